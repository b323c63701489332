// Package asynqq adapts the asynq task queue to the domain Queue port. The
// queue shares its Redis instance with the progress bus in the reference
// deployment.
package asynqq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/imageforge/internal/adapter/observability"
	"github.com/fairyhunter13/imageforge/internal/domain"
)

// TaskRender is the task type consumed by the render worker.
const TaskRender = "render:job"

const queueName = "default"

// RenderPayload carries the job id only; the worker re-reads everything else
// from the job store to avoid staleness.
type RenderPayload struct {
	JobID string `json:"job_id"`
}

// Queue produces render tasks and inspects broker state.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// New builds a Queue from a Redis URL.
func New(redisURL string) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new: %w", err)
	}
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
	}, nil
}

// EnqueueRender enqueues a render task for the job and returns the broker's
// task handle.
func (q *Queue) EnqueueRender(ctx domain.Context, jobID string) (string, error) {
	b, _ := json.Marshal(RenderPayload{JobID: jobID})
	t := asynq.NewTask(TaskRender, b)
	info, err := q.client.EnqueueContext(ctx, t, asynq.MaxRetry(5), asynq.Retention(24*time.Hour))
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue_render: %w", err)
	}
	observability.EnqueueJob("render")
	return info.ID, nil
}

// Revoke removes a still-pending task from the broker. A task already picked
// up by a worker cannot be deleted; that case is handled by the cooperative
// cancel token instead.
func (q *Queue) Revoke(_ domain.Context, handle string) error {
	if err := q.inspector.DeleteTask(queueName, handle); err != nil {
		return fmt.Errorf("op=queue.revoke: %w", err)
	}
	return nil
}

// ActiveWorkers reports the number of reachable worker processes. The probe
// respects the context deadline; an elapsed probe returns the context error
// and callers treat it as "no workers".
func (q *Queue) ActiveWorkers(ctx domain.Context) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		servers, err := q.inspector.Servers()
		ch <- result{n: len(servers), err: err}
	}()
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("op=queue.active_workers: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return 0, fmt.Errorf("op=queue.active_workers: %w", r.err)
		}
		return r.n, nil
	}
}

// Close releases the producer connection.
func (q *Queue) Close() error { return q.client.Close() }

var _ domain.Queue = (*Queue)(nil)
