package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrWorkerUnavailable = errors.New("worker unavailable")
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrEngineRejected    = errors.New("engine rejected")
	ErrArtifactMissing   = errors.New("artifact missing")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")
	ErrCancelled         = errors.New("cancelled")
	ErrInternal          = errors.New("internal error")
)

// JobStatus enumerates the job lifecycle states. Transitions form a DAG:
// pending -> running -> {completed, failed}; pending|running -> cancelled.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// LoRA is a low-rank adapter applied on top of the checkpoint model.
type LoRA struct {
	Name          string  `json:"name"`
	ModelStrength float64 `json:"model_strength"`
	ClipStrength  float64 `json:"clip_strength"`
}

// Sampler holds the sampler configuration for a render.
type Sampler struct {
	Seed      int64   `json:"seed"`
	Steps     int     `json:"steps"`
	CFG       float64 `json:"cfg"`
	Name      string  `json:"sampler"`
	Scheduler string  `json:"scheduler"`
	Denoise   float64 `json:"denoise"`
}

// Job is a single render request and the authoritative record of its lifecycle.
// Invariants:
//   - started_at is nil iff status == pending
//   - completed_at is nil iff status in {pending, running}
//   - content_id is non-nil only when status == completed
//   - error_message is non-nil only when status in {failed, cancelled}
//   - task_handle is immutable once set
type Job struct {
	ID     string
	UserID string

	Prompt         string
	NegativePrompt string
	Checkpoint     string
	LoRAs          []LoRA
	Width          int
	Height         int
	BatchSize      int
	Sampler        Sampler
	Params         map[string]any

	Status         JobStatus
	TaskHandle     *string
	EnginePromptID *string
	ContentID      *string
	OutputPaths    []string
	ThumbnailPaths []string
	ErrorMessage   *string
	RecoveryHints  []string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobDraft carries the user-supplied fields of a job creation request.
type JobDraft struct {
	UserID         string
	Prompt         string
	NegativePrompt string
	Checkpoint     string
	LoRAs          []LoRA
	Width          int
	Height         int
	BatchSize      int
	Sampler        Sampler
	Params         map[string]any
}

// Artifact is the persisted metadata row for a generated image. Created exactly
// once per completed job; never mutated by the pipeline after creation.
type Artifact struct {
	ID              string
	UserID          string
	Title           string
	Path            string
	ThumbnailPath   string
	ThumbnailAltRes map[string]string
	ContentType     string
	Metadata        map[string]any
	QualityScore    *float64
	Tags            []string
	CreatedAt       time.Time
}

// NotificationType enumerates notification classes.
type NotificationType string

const (
	NotificationJobCompleted   NotificationType = "job_completed"
	NotificationJobFailed      NotificationType = "job_failed"
	NotificationJobCancelled   NotificationType = "job_cancelled"
	NotificationSystem         NotificationType = "system"
	NotificationRecommendation NotificationType = "recommendation"
)

// Notification is a user-facing event created on terminal job transitions.
// The read flag flips false->true at most once and never back.
type Notification struct {
	ID                string
	UserID            string
	Title             string
	Message           string
	Type              NotificationType
	Read              bool
	ReadAt            *time.Time
	RelatedJobID      *string
	RelatedArtifactID *string
	CreatedAt         time.Time
}

// ProgressKind enumerates the ephemeral progress event kinds.
type ProgressKind string

const (
	ProgressStarted    ProgressKind = "started"
	ProgressProcessing ProgressKind = "processing"
	ProgressCompleted  ProgressKind = "completed"
	ProgressFailed     ProgressKind = "failed"
)

// ProgressEvent is published to the bus and relayed to live client streams,
// then discarded. Missed events are recovered by re-reading the job row.
type ProgressEvent struct {
	JobID     string           `json:"job_id"`
	Kind      ProgressKind     `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   *ProgressPayload `json:"payload,omitempty"`
}

// ProgressPayload carries the terminal details of a completed or failed event.
type ProgressPayload struct {
	ContentID   string   `json:"content_id,omitempty"`
	OutputPaths []string `json:"output_paths,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ListFilter selects and paginates job listings.
type ListFilter struct {
	UserID string
	Status JobStatus
	Limit  int
	Skip   int
}

// JobPage is one page of a job listing.
type JobPage struct {
	Items []Job
	Total int
	Limit int
	Skip  int
}

// Repositories (ports)

type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	// SetTaskHandle is idempotent; it rejects with ErrConflict when a different
	// non-empty handle is already set.
	SetTaskHandle(ctx Context, id, handle string) error
	SetEnginePromptID(ctx Context, id, promptID string) error
	// TransitionRunning is the claim: a compare-and-set that succeeds at most
	// once per job. Losers receive ErrConflict and must exit cleanly.
	TransitionRunning(ctx Context, id string) error
	Complete(ctx Context, id, contentID string, outputPaths, thumbnailPaths []string) error
	Fail(ctx Context, id, errMsg string, recoveryHints []string) error
	// Cancel returns the status the job held before cancellation so callers can
	// decide whether the enqueued handle still needs revoking. Cancelling a
	// terminal job is a no-op and returns the terminal status.
	Cancel(ctx Context, id, reason string) (JobStatus, error)
	Get(ctx Context, id string) (Job, error)
	List(ctx Context, f ListFilter) (JobPage, error)
	Delete(ctx Context, id string) error
}

type ArtifactRepository interface {
	// Materialize inserts the artifact row and completes the job in a single
	// transaction, returning the artifact id.
	Materialize(ctx Context, a Artifact, jobID string, outputPaths, thumbnailPaths []string) (string, error)
	Get(ctx Context, id string) (Artifact, error)
}

type NotificationRepository interface {
	// Create inserts unless the recipient's preferences disable the class of
	// event; it returns the empty id when suppressed.
	Create(ctx Context, n Notification) (string, error)
	MarkRead(ctx Context, id, userID string) error
	ListByUser(ctx Context, userID string, unreadOnly bool, limit, skip int) ([]Notification, error)
}

type PreferenceRepository interface {
	NotificationsEnabled(ctx Context, userID string) (bool, error)
	SetNotificationsEnabled(ctx Context, userID string, enabled bool) error
}

// Queue (port)

type Queue interface {
	// EnqueueRender enqueues a task handle referencing the job id; all other
	// job fields are re-read from the store by the worker to avoid staleness.
	EnqueueRender(ctx Context, jobID string) (string, error)
	// Revoke removes a still-pending task handle from the broker.
	Revoke(ctx Context, handle string) error
	// ActiveWorkers reports how many worker processes are reachable.
	ActiveWorkers(ctx Context) (int, error)
}

// ProgressBus (port)

type ProgressBus interface {
	// Publish is fire-and-forget: delivery is best-effort and failures are
	// logged by the implementation, never surfaced to the caller.
	Publish(ctx Context, ev ProgressEvent)
	Subscribe(ctx Context, jobIDs ...string) (Subscription, error)
}

// Subscription yields events in arrival order for the subscribed job ids until
// closed.
type Subscription interface {
	Events() <-chan ProgressEvent
	Close() error
}

// EngineClient (port)

// OutputRef identifies a single engine output.
type OutputRef struct {
	Filename  string
	Subfolder string
	Type      string
}

type EngineClient interface {
	Submit(ctx Context, workflow []byte) (string, error)
	// AwaitCompletion polls the engine until the prompt is finished, the
	// context deadline elapses (ErrDeadlineExceeded) or the context is
	// cancelled (ErrCancelled).
	AwaitCompletion(ctx Context, promptID string) ([]OutputRef, error)
	FetchArtifact(ctx Context, ref OutputRef) ([]byte, error)
}

// Context is an alias so adapters and usecases pass context.Context through.
type Context = context.Context
