package usecase_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/imageforge/internal/domain"
)

// memJobs is an in-memory JobRepository with the same compare-and-set
// semantics as the SQL implementation.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]*domain.Job{}} }

func (m *memJobs) Create(_ domain.Context, j domain.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	j.Status = domain.JobPending
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	cp := j
	m.jobs[j.ID] = &cp
	return j.ID, nil
}

func (m *memJobs) SetTaskHandle(_ domain.Context, id, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.TaskHandle != nil && *j.TaskHandle != handle {
		return domain.ErrConflict
	}
	j.TaskHandle = &handle
	return nil
}

func (m *memJobs) SetEnginePromptID(_ domain.Context, id, promptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.EnginePromptID = &promptID
	return nil
}

func (m *memJobs) TransitionRunning(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobPending {
		return fmt.Errorf("job not pending: %w", domain.ErrConflict)
	}
	now := time.Now().UTC()
	j.Status = domain.JobRunning
	j.StartedAt = &now
	return nil
}

func (m *memJobs) Complete(_ domain.Context, id, contentID string, outputPaths, thumbnailPaths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobRunning {
		return fmt.Errorf("job not running: %w", domain.ErrConflict)
	}
	now := time.Now().UTC()
	j.Status = domain.JobCompleted
	j.ContentID = &contentID
	j.OutputPaths = outputPaths
	j.ThumbnailPaths = thumbnailPaths
	j.CompletedAt = &now
	return nil
}

func (m *memJobs) Fail(_ domain.Context, id, errMsg string, recoveryHints []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status == domain.JobCompleted || j.Status == domain.JobCancelled {
		return fmt.Errorf("job already terminal: %w", domain.ErrConflict)
	}
	now := time.Now().UTC()
	j.Status = domain.JobFailed
	j.ErrorMessage = &errMsg
	j.RecoveryHints = recoveryHints
	j.CompletedAt = &now
	return nil
}

func (m *memJobs) Cancel(_ domain.Context, id, reason string) (domain.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	prev := j.Status
	if prev.Terminal() {
		return prev, nil
	}
	now := time.Now().UTC()
	j.Status = domain.JobCancelled
	if reason != "" {
		j.ErrorMessage = &reason
	}
	j.CompletedAt = &now
	return prev, nil
}

func (m *memJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (m *memJobs) List(_ domain.Context, f domain.ListFilter) (domain.JobPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []domain.Job
	for _, j := range m.jobs {
		if f.UserID != "" && j.UserID != f.UserID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		all = append(all, *j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	page := domain.JobPage{Total: len(all), Limit: limit, Skip: f.Skip}
	for i := f.Skip; i < len(all) && len(page.Items) < limit; i++ {
		page.Items = append(page.Items, all[i])
	}
	return page, nil
}

func (m *memJobs) Delete(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memJobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// memArtifacts implements ArtifactRepository against the memJobs store so the
// materialize transaction semantics hold.
type memArtifacts struct {
	mu        sync.Mutex
	jobs      *memJobs
	artifacts map[string]domain.Artifact
	failWith  error
}

func newMemArtifacts(jobs *memJobs) *memArtifacts {
	return &memArtifacts{jobs: jobs, artifacts: map[string]domain.Artifact{}}
}

func (m *memArtifacts) Materialize(ctx domain.Context, a domain.Artifact, jobID string, outputPaths, thumbnailPaths []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return "", m.failWith
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if err := m.jobs.Complete(ctx, jobID, a.ID, outputPaths, thumbnailPaths); err != nil {
		return "", err
	}
	a.CreatedAt = time.Now().UTC()
	m.artifacts[a.ID] = a
	return a.ID, nil
}

func (m *memArtifacts) Get(_ domain.Context, id string) (domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return domain.Artifact{}, domain.ErrNotFound
	}
	return a, nil
}

// memNotifications implements NotificationRepository + PreferenceRepository.
type memNotifications struct {
	mu      sync.Mutex
	items   []domain.Notification
	enabled map[string]bool
}

func newMemNotifications() *memNotifications {
	return &memNotifications{enabled: map[string]bool{}}
}

func (m *memNotifications) Create(_ domain.Context, n domain.Notification) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled[n.UserID] {
		return "", nil
	}
	n.ID = uuid.New().String()
	n.CreatedAt = time.Now().UTC()
	m.items = append(m.items, n)
	return n.ID, nil
}

func (m *memNotifications) MarkRead(_ domain.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id && m.items[i].UserID == userID {
			if !m.items[i].Read {
				now := time.Now().UTC()
				m.items[i].Read = true
				m.items[i].ReadAt = &now
			}
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memNotifications) ListByUser(_ domain.Context, userID string, unreadOnly bool, limit, skip int) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Notification
	for _, n := range m.items {
		if n.UserID != userID {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *memNotifications) NotificationsEnabled(_ domain.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[userID], nil
}

func (m *memNotifications) SetNotificationsEnabled(_ domain.Context, userID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled[userID] = enabled
	return nil
}

func (m *memNotifications) forUser(userID string) []domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Notification
	for _, n := range m.items {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// fakeQueue implements the Queue port.
type fakeQueue struct {
	mu         sync.Mutex
	workers    int
	probeErr   error
	probeBlock bool
	enqueueErr error
	enqueued   []string
	revoked    []string
}

func (q *fakeQueue) EnqueueRender(_ domain.Context, jobID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	q.enqueued = append(q.enqueued, jobID)
	return "task-" + jobID, nil
}

func (q *fakeQueue) Revoke(_ domain.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revoked = append(q.revoked, handle)
	return nil
}

func (q *fakeQueue) ActiveWorkers(ctx domain.Context) (int, error) {
	if q.probeBlock {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if q.probeErr != nil {
		return 0, q.probeErr
	}
	return q.workers, nil
}

// recordingBus captures published events in order.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (b *recordingBus) Publish(_ domain.Context, ev domain.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) Subscribe(domain.Context, ...string) (domain.Subscription, error) {
	return nil, fmt.Errorf("not supported in fake")
}

func (b *recordingBus) kinds(jobID string) []domain.ProgressKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.ProgressKind
	for _, ev := range b.events {
		if ev.JobID == jobID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

// fakeEngine scripts the engine client behavior.
type fakeEngine struct {
	submitFn func(ctx context.Context, workflow []byte) (string, error)
	awaitFn  func(ctx context.Context, promptID string) ([]domain.OutputRef, error)
	fetchFn  func(ctx context.Context, ref domain.OutputRef) ([]byte, error)
}

func (e *fakeEngine) Submit(ctx domain.Context, workflow []byte) (string, error) {
	return e.submitFn(ctx, workflow)
}

func (e *fakeEngine) AwaitCompletion(ctx domain.Context, promptID string) ([]domain.OutputRef, error) {
	return e.awaitFn(ctx, promptID)
}

func (e *fakeEngine) FetchArtifact(ctx domain.Context, ref domain.OutputRef) ([]byte, error) {
	return e.fetchFn(ctx, ref)
}
