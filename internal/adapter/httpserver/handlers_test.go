package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/imageforge/internal/adapter/httpserver"
	"github.com/fairyhunter13/imageforge/internal/domain"
	"github.com/fairyhunter13/imageforge/internal/usecase"
)

type stubJobs struct {
	mu     sync.Mutex
	seq    int
	jobs   map[string]domain.Job
	failed []string
}

func newStubJobs() *stubJobs { return &stubJobs{jobs: map[string]domain.Job{}} }

func (s *stubJobs) Create(_ domain.Context, j domain.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	j.ID = fmt.Sprintf("job-%d", s.seq)
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *stubJobs) SetTaskHandle(_ domain.Context, id, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.TaskHandle = &handle
	s.jobs[id] = j
	return nil
}

func (s *stubJobs) SetEnginePromptID(domain.Context, string, string) error { return nil }

func (s *stubJobs) TransitionRunning(domain.Context, string) error { return nil }

func (s *stubJobs) Complete(domain.Context, string, string, []string, []string) error { return nil }

func (s *stubJobs) Fail(_ domain.Context, id, _ string, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, id)
	return nil
}

func (s *stubJobs) Cancel(_ domain.Context, id, reason string) (domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	prev := j.Status
	if prev.Terminal() {
		return prev, nil
	}
	j.Status = domain.JobCancelled
	j.ErrorMessage = &reason
	s.jobs[id] = j
	return prev, nil
}

func (s *stubJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *stubJobs) List(_ domain.Context, f domain.ListFilter) (domain.JobPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []domain.Job
	for _, j := range s.jobs {
		if f.UserID != "" && j.UserID != f.UserID {
			continue
		}
		items = append(items, j)
	}
	return domain.JobPage{Items: items, Total: len(items), Limit: f.Limit, Skip: f.Skip}, nil
}

func (s *stubJobs) Delete(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *stubJobs) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type stubQueue struct {
	mu       sync.Mutex
	workers  int
	enqueued []string
	revoked  []string
}

func (q *stubQueue) EnqueueRender(_ domain.Context, jobID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, jobID)
	return "task-" + jobID, nil
}

func (q *stubQueue) Revoke(_ domain.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revoked = append(q.revoked, handle)
	return nil
}

func (q *stubQueue) ActiveWorkers(domain.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workers, nil
}

type stubNotifs struct {
	mu      sync.Mutex
	items   map[string]domain.Notification
	enabled map[string]bool
}

func newStubNotifs() *stubNotifs {
	return &stubNotifs{items: map[string]domain.Notification{}, enabled: map[string]bool{}}
}

func (n *stubNotifs) Create(_ domain.Context, v domain.Notification) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.enabled[v.UserID] {
		return "", nil
	}
	v.ID = fmt.Sprintf("n-%d", len(n.items)+1)
	n.items[v.ID] = v
	return v.ID, nil
}

func (n *stubNotifs) MarkRead(_ domain.Context, id, userID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.items[id]
	if !ok || v.UserID != userID {
		return domain.ErrNotFound
	}
	v.Read = true
	n.items[id] = v
	return nil
}

func (n *stubNotifs) ListByUser(_ domain.Context, userID string, unreadOnly bool, _, _ int) ([]domain.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Notification
	for _, v := range n.items {
		if v.UserID != userID || (unreadOnly && v.Read) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (n *stubNotifs) NotificationsEnabled(_ domain.Context, userID string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled[userID], nil
}

func (n *stubNotifs) SetNotificationsEnabled(_ domain.Context, userID string, enabled bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled[userID] = enabled
	return nil
}

type testEnv struct {
	jobs   *stubJobs
	queue  *stubQueue
	notifs *stubNotifs
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	jobs := newStubJobs()
	queue := &stubQueue{workers: 1}
	notifs := newStubNotifs()
	jobSvc := usecase.NewJobService(jobs, queue, 100*time.Millisecond)
	notifSvc := usecase.NewNotificationService(notifs, notifs)
	srv := httpserver.NewServer(jobSvc, notifSvc, nil)

	r := chi.NewRouter()
	r.Group(func(api chi.Router) {
		api.Use(httpserver.RequireIdentity)
		api.Post("/jobs", srv.CreateJob)
		api.Get("/jobs", srv.ListJobs)
		api.Get("/jobs/{id}", srv.GetJob)
		api.Put("/jobs/{id}/cancel", srv.CancelJob)
		api.Delete("/jobs/{id}", srv.DeleteJob)
		api.Get("/notifications", srv.ListNotifications)
		api.Put("/notifications/{id}/read", srv.MarkNotificationRead)
		api.Put("/users/me/preferences", srv.SetPreferences)
	})
	return &testEnv{jobs: jobs, queue: queue, notifs: notifs, router: r}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func validCreateBody() map[string]any {
	return map[string]any{
		"prompt":     "a lighthouse at dusk",
		"checkpoint": "sd_xl_base_1.0.safetensors",
		"width":      1024,
		"height":     768,
		"batch_size": 2,
		"sampler": map[string]any{
			"seed": -1, "steps": 30, "cfg": 7.5, "sampler": "euler", "scheduler": "normal",
		},
	}
}

func TestCreateJob_Created(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/jobs", "u1", validCreateBody())

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var got struct {
		ID         string  `json:"id"`
		Status     string  `json:"status"`
		TaskHandle *string `json:"task_handle"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "pending", got.Status)
	require.NotNil(t, got.TaskHandle)
	assert.Equal(t, "task-"+got.ID, *got.TaskHandle)
	assert.Equal(t, []string{got.ID}, env.queue.enqueued)
	// The engine prompt id never leaves the service.
	assert.NotContains(t, rec.Body.String(), "engine_prompt_id")
}

func TestCreateJob_MissingIdentity(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/jobs", "", validCreateBody())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHENTICATED")
}

func TestCreateJob_MalformedBody(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString("{nope"))
	req.Header.Set("X-User-Id", "u1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJob_ValidationEnvelope(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	body := validCreateBody()
	delete(body, "prompt")
	rec := env.do(t, http.MethodPost, "/jobs", "u1", body)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var got struct {
		Detail []struct {
			Loc []string `json:"loc"`
			Msg string   `json:"msg"`
		} `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Detail, 1)
	assert.Equal(t, []string{"body", "prompt"}, got.Detail[0].Loc)
	assert.Equal(t, 0, env.jobs.count())
}

func TestCreateJob_DomainValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	body := validCreateBody()
	body["width"] = 100 // in range, not a multiple of 64
	rec := env.do(t, http.MethodPost, "/jobs", "u1", body)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "must be a multiple of 64")
	assert.Equal(t, 0, env.jobs.count())
}

func TestCreateJob_NoWorkers(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.queue.workers = 0
	rec := env.do(t, http.MethodPost, "/jobs", "u1", validCreateBody())

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var got struct {
		Error struct {
			Message     string `json:"message"`
			Service     string `json:"service"`
			Status      string `json:"status"`
			SupportInfo struct {
				Details string `json:"details"`
			} `json:"support_info"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "The image queuing service is not currently running. Please try again shortly or contact an administrator.", got.Error.Message)
	assert.Equal(t, "celery_worker", got.Error.Service)
	assert.Equal(t, "unavailable", got.Error.Status)
	assert.NotEmpty(t, got.Error.SupportInfo.Details)
	assert.Equal(t, 0, env.jobs.count())
	assert.Empty(t, env.queue.enqueued)
}

func TestGetJob_Ownership(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	created := env.do(t, http.MethodPost, "/jobs", "u1", validCreateBody())
	require.Equal(t, http.StatusCreated, created.Code)
	var job struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &job))

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/jobs/"+job.ID, "u1", nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/jobs/"+job.ID, "u2", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/jobs/ghost", "u1", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil)
	req.Header.Set("X-User-Id", "admin-1")
	req.Header.Set("X-User-Role", "admin")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListJobs_ScopedToRequester(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/jobs", "u1", validCreateBody()).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/jobs", "u2", validCreateBody()).Code)

	rec := env.do(t, http.MethodGet, "/jobs?user_id=u2", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Items []struct {
			UserID string `json:"user_id"`
		} `json:"items"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 1, got.Total)
	assert.Equal(t, "u1", got.Items[0].UserID)
}

func TestCancelJob_PendingRevokesOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	created := env.do(t, http.MethodPost, "/jobs", "u1", validCreateBody())
	var job struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &job))

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPut, "/jobs/"+job.ID+"/cancel", "u1", nil).Code)
	assert.Equal(t, []string{"task-" + job.ID}, env.queue.revoked)

	// Cancelling a cancelled job is a no-op, not an error.
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPut, "/jobs/"+job.ID+"/cancel", "u1", nil).Code)
	assert.Len(t, env.queue.revoked, 1)
}

func TestDeleteJob_TerminalOnly(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	created := env.do(t, http.MethodPost, "/jobs", "u1", validCreateBody())
	var job struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &job))

	rec := env.do(t, http.MethodDelete, "/jobs/"+job.ID, "u1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPut, "/jobs/"+job.ID+"/cancel", "u1", nil).Code)
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/jobs/"+job.ID, "u1", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/jobs/"+job.ID, "u1", nil).Code)
}

func TestNotifications_Flow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	require.Equal(t, http.StatusNoContent,
		env.do(t, http.MethodPut, "/users/me/preferences", "u1", map[string]any{"notifications_enabled": true}).Code)

	id, err := env.notifs.Create(nil, domain.Notification{UserID: "u1", Title: "Render complete", Type: domain.NotificationJobCompleted})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec := env.do(t, http.MethodGet, "/notifications?unread=true", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Render complete")

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPut, "/notifications/"+id+"/read", "u1", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPut, "/notifications/"+id+"/read", "u2", nil).Code)

	rec = env.do(t, http.MethodGet, "/notifications?unread=true", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Render complete")
}

func TestNotifications_EmptyListIsArray(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/notifications", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}
