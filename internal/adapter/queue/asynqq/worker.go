package asynqq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
)

// Processor executes one render job end to end. It owns terminal status
// commits; a returned error only drives the broker's at-least-once redelivery.
type Processor interface {
	Process(ctx context.Context, jobID string) error
}

// Worker consumes render tasks from the broker and hands them to the
// processor. Idempotence under redelivery comes from the running-claim
// compare-and-set in the job store.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker builds a Worker with the given concurrency.
func NewWorker(redisURL string, concurrency int, proc Processor) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=worker.new: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	srv := asynq.NewServer(opt, asynq.Config{Concurrency: concurrency})
	mux := asynq.NewServeMux()

	mux.HandleFunc(TaskRender, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "RenderJob")
		defer span.End()
		var p RenderPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			slog.Error("malformed render task payload", slog.Any("error", err))
			// Redelivery cannot fix a malformed payload.
			return nil
		}
		return proc.Process(ctx, p.JobID)
	})

	return &Worker{server: srv, mux: mux}, nil
}

// Run blocks serving tasks until Shutdown.
func (w *Worker) Run() error {
	if err := w.server.Run(w.mux); err != nil {
		return fmt.Errorf("op=worker.run: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight tasks.
func (w *Worker) Shutdown() { w.server.Shutdown() }
