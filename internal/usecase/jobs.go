// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/imageforge/internal/adapter/observability"
	"github.com/fairyhunter13/imageforge/internal/domain"
)

// JobService orchestrates job creation, queries, cancellation, and deletion.
type JobService struct {
	Jobs  domain.JobRepository
	Queue domain.Queue

	// ProbeTimeout bounds the worker-health inspection performed before a job
	// row is created. An elapsed probe counts as "no workers".
	ProbeTimeout time.Duration
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(jobs domain.JobRepository, q domain.Queue, probeTimeout time.Duration) JobService {
	if probeTimeout <= 0 {
		probeTimeout = time.Second
	}
	return JobService{Jobs: jobs, Queue: q, ProbeTimeout: probeTimeout}
}

// Create validates the draft, verifies worker availability, persists the
// pending job, and enqueues the render task. When no workers are reachable it
// fails with ErrWorkerUnavailable before any row is created.
func (s JobService) Create(ctx domain.Context, d domain.JobDraft) (domain.Job, error) {
	if err := domain.ValidateDraft(d); err != nil {
		return domain.Job{}, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.ProbeTimeout)
	defer cancel()
	n, err := s.Queue.ActiveWorkers(probeCtx)
	if err != nil || n == 0 {
		if err != nil {
			slog.Warn("worker probe failed", slog.Any("error", err))
		}
		return domain.Job{}, fmt.Errorf("op=jobs.create: %w", domain.ErrWorkerUnavailable)
	}

	j := domain.Job{
		UserID:         d.UserID,
		Prompt:         d.Prompt,
		NegativePrompt: d.NegativePrompt,
		Checkpoint:     d.Checkpoint,
		LoRAs:          d.LoRAs,
		Width:          d.Width,
		Height:         d.Height,
		BatchSize:      d.BatchSize,
		Sampler:        d.Sampler,
		Params:         d.Params,
		Status:         domain.JobPending,
		CreatedAt:      time.Now().UTC(),
	}
	id, err := s.Jobs.Create(ctx, j)
	if err != nil {
		return domain.Job{}, err
	}

	handle, err := s.Queue.EnqueueRender(ctx, id)
	if err != nil {
		_ = s.Jobs.Fail(ctx, id, "enqueue failed", nil)
		return domain.Job{}, fmt.Errorf("op=jobs.create: %w", err)
	}
	if err := s.Jobs.SetTaskHandle(ctx, id, handle); err != nil {
		// The task is already on the broker; losing the handle only degrades
		// pending-revoke to cooperative cancel.
		slog.Warn("persisting task handle failed",
			slog.String("job_id", id), slog.Any("error", err))
	}

	return s.Jobs.Get(ctx, id)
}

// Get loads a job, enforcing owner-or-admin access.
func (s JobService) Get(ctx domain.Context, id, requesterID string, isAdmin bool) (domain.Job, error) {
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if j.UserID != requesterID && !isAdmin {
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", domain.ErrForbidden)
	}
	return j, nil
}

// List returns a page of jobs. Non-admin requesters only ever see their own.
func (s JobService) List(ctx domain.Context, f domain.ListFilter, requesterID string, isAdmin bool) (domain.JobPage, error) {
	if !isAdmin {
		f.UserID = requesterID
	}
	return s.Jobs.List(ctx, f)
}

// Cancel requests cancellation. For a pending job the queued task is revoked;
// a running job is observed by the worker's cancel token through the job row.
// Cancelling a terminal job is a no-op.
func (s JobService) Cancel(ctx domain.Context, id, requesterID string, isAdmin bool) error {
	j, err := s.Get(ctx, id, requesterID, isAdmin)
	if err != nil {
		return err
	}
	prev, err := s.Jobs.Cancel(ctx, id, "cancelled by user")
	if err != nil {
		return err
	}
	switch prev {
	case domain.JobPending:
		observability.JobsCancelledTotal.WithLabelValues("render").Inc()
		if j.TaskHandle != nil {
			if err := s.Queue.Revoke(ctx, *j.TaskHandle); err != nil {
				// The worker claim will lose its compare-and-set and exit.
				slog.Warn("revoking queued task failed",
					slog.String("job_id", id), slog.Any("error", err))
			}
		}
	case domain.JobRunning:
		// The busy worker observes the row and stops; gauges settle there.
	}
	return nil
}

// Delete removes a terminal job. Non-terminal jobs are rejected with
// ErrConflict.
func (s JobService) Delete(ctx domain.Context, id, requesterID string, isAdmin bool) error {
	j, err := s.Get(ctx, id, requesterID, isAdmin)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return fmt.Errorf("op=jobs.delete: job still %s: %w", j.Status, domain.ErrConflict)
	}
	return s.Jobs.Delete(ctx, id)
}

// NotificationService serves the notification inbox and preferences.
type NotificationService struct {
	Notifications domain.NotificationRepository
	Prefs         domain.PreferenceRepository
}

// NewNotificationService constructs a NotificationService.
func NewNotificationService(n domain.NotificationRepository, p domain.PreferenceRepository) NotificationService {
	return NotificationService{Notifications: n, Prefs: p}
}

// List returns the requester's notifications, newest first.
func (s NotificationService) List(ctx domain.Context, userID string, unreadOnly bool, limit, skip int) ([]domain.Notification, error) {
	return s.Notifications.ListByUser(ctx, userID, unreadOnly, limit, skip)
}

// MarkRead flips a notification's read flag; idempotent.
func (s NotificationService) MarkRead(ctx domain.Context, id, userID string) error {
	return s.Notifications.MarkRead(ctx, id, userID)
}

// SetPreference records the user's notification opt-in.
func (s NotificationService) SetPreference(ctx domain.Context, userID string, enabled bool) error {
	return s.Prefs.SetNotificationsEnabled(ctx, userID, enabled)
}

// ReadinessCheck represents a single readiness probe result used by handlers.
type ReadinessCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details"`
}
