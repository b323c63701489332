package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/imageforge/internal/domain"
)

// StuckJobSweeper fails running jobs whose time budget expired but whose
// worker never committed a terminal status, typically after a worker crash.
// The grace period keeps the sweeper from racing a worker that is still
// inside its own deadline handling.
type StuckJobSweeper struct {
	jobs        domain.JobRepository
	maxDuration time.Duration
	grace       time.Duration
	interval    time.Duration
}

func NewStuckJobSweeper(jobs domain.JobRepository, maxDuration, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxDuration <= 0 {
		maxDuration = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{
		jobs:        jobs,
		maxDuration: maxDuration,
		grace:       30 * time.Second,
		interval:    interval,
	}
}

func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	now := time.Now()
	const pageSize = 100
	span.SetAttributes(
		attribute.Int("jobs.page_size", pageSize),
		attribute.Float64("jobs.max_duration_seconds", s.maxDuration.Seconds()),
	)

	totalChecked := 0
	totalMarkedFailed := 0

	offset := 0
	for {
		pageCtx, pageSpan := tracer.Start(ctx, "StuckJobSweeper.sweepPage")
		pageSpan.SetAttributes(attribute.Int("jobs.offset", offset))

		page, err := s.jobs.List(pageCtx, domain.ListFilter{
			Status: domain.JobRunning,
			Limit:  pageSize,
			Skip:   offset,
		})
		if err != nil {
			pageSpan.RecordError(err)
			pageSpan.End()
			slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
			return
		}
		totalChecked += len(page.Items)
		if len(page.Items) == 0 {
			pageSpan.End()
			break
		}

		marked := 0
		for _, j := range page.Items {
			// Deadline counts from creation, same budget the worker enforces.
			if j.CreatedAt.Add(s.maxDuration + s.grace).After(now) {
				continue
			}
			jobCtx, jobSpan := tracer.Start(pageCtx, "StuckJobSweeper.markFailed")
			jobSpan.SetAttributes(attribute.String("job.id", j.ID))
			err := s.jobs.Fail(jobCtx, j.ID, "generation exceeded time budget", domain.TimeoutRecoveryHints)
			switch {
			case err == nil:
				marked++
			default:
				// ErrConflict means the worker got there first; anything else
				// is worth logging.
				jobSpan.RecordError(err)
				slog.Warn("stuck job sweep could not fail job",
					slog.String("job_id", j.ID), slog.Any("error", err))
			}
			jobSpan.End()
		}
		totalMarkedFailed += marked

		pageSpan.End()

		if len(page.Items) < pageSize {
			break
		}
		// Rows failed this page leave the running filter, so the next window
		// starts where this page's survivors end.
		offset += len(page.Items) - marked
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", totalChecked),
		attribute.Int("jobs.total_marked_failed", totalMarkedFailed),
	)
}
