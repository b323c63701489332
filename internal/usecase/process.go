package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/imageforge/internal/adapter/observability"
	"github.com/fairyhunter13/imageforge/internal/domain"
)

// Processor runs one render job end to end: claim, workflow build, engine
// submit, polling with a cooperative cancel token, artifact download,
// thumbnail generation, the single-transaction materialize, notification
// fan-out, and progress events. Every exit path commits a terminal status
// first; a non-nil return only drives broker redelivery for transient faults
// that happened before the claim.
type Processor struct {
	Jobs          domain.JobRepository
	Artifacts     domain.ArtifactRepository
	Notifications domain.NotificationRepository
	Bus           domain.ProgressBus
	Engine        domain.EngineClient

	// BuildWorkflow is a pure function of the job parameters.
	BuildWorkflow func(domain.Job) ([]byte, error)

	ArtifactRoot       string
	MaxDuration        time.Duration
	CancelPollInterval time.Duration
	ThumbnailSize      int
}

// Process handles a single render task delivery.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	lg := slog.With(slog.String("job_id", jobID))

	// The claim: at-least-once delivery collapses to at-most-one execution
	// here. A lost claim means another delivery already ran this job.
	if err := p.Jobs.TransitionRunning(ctx, jobID); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			lg.Info("skipping delivery, job already claimed or gone")
			return nil
		}
		return err
	}
	observability.StartProcessingJob("render")

	j, err := p.Jobs.Get(ctx, jobID)
	if err != nil {
		return p.fail(ctx, domain.Job{ID: jobID}, "internal error: job store unavailable", nil)
	}

	p.publish(ctx, jobID, domain.ProgressStarted, nil)

	// Deadline counts from creation, not claim, so queue wait eats budget.
	deadline := j.CreatedAt.Add(p.MaxDuration)
	runCtx, cancelRun := context.WithDeadline(ctx, deadline)
	defer cancelRun()
	go p.watchCancel(runCtx, cancelRun, jobID)

	workflow, err := p.BuildWorkflow(j)
	if err != nil {
		return p.fail(ctx, j, fmt.Sprintf("invalid job parameters: %v", err), nil)
	}

	promptID, err := p.Engine.Submit(runCtx, workflow)
	if err != nil {
		return p.finishWithEngineError(ctx, j, err)
	}
	if err := p.Jobs.SetEnginePromptID(ctx, jobID, promptID); err != nil {
		lg.Warn("persisting engine prompt id failed", slog.Any("error", err))
	}

	p.publish(ctx, jobID, domain.ProgressProcessing, nil)

	refs, err := p.Engine.AwaitCompletion(runCtx, promptID)
	if err != nil {
		return p.finishWithEngineError(ctx, j, err)
	}
	if len(refs) == 0 {
		return p.fail(ctx, j, "engine produced no outputs", nil)
	}

	outputPaths, thumbPaths, contentType, err := p.collectOutputs(runCtx, j, refs)
	if err != nil {
		return p.finishWithEngineError(ctx, j, err)
	}

	artifact := domain.Artifact{
		UserID:      j.UserID,
		Title:       truncate(j.Prompt, 120),
		Path:        outputPaths[0],
		ContentType: contentType,
		Metadata: map[string]any{
			"prompt":     j.Prompt,
			"checkpoint": j.Checkpoint,
			"seed":       j.Sampler.Seed,
			"steps":      j.Sampler.Steps,
			"width":      j.Width,
			"height":     j.Height,
			"batch_size": j.BatchSize,
		},
	}
	if len(thumbPaths) > 0 {
		artifact.ThumbnailPath = thumbPaths[0]
	}

	// Terminal commit runs on the delivery context so a cancel racing the
	// finished render is decided by the compare-and-set alone.
	artifactID, err := p.Artifacts.Materialize(ctx, artifact, jobID, outputPaths, thumbPaths)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			lg.Info("job left running state during materialize, dropping outputs")
			observability.CancelJob("render")
			removeFiles(outputPaths, thumbPaths)
			return nil
		}
		return p.fail(ctx, j, "internal error: persisting artifact failed", nil)
	}

	observability.CompleteJob("render")
	if j.StartedAt != nil {
		observability.ObserveRender(time.Since(*j.StartedAt))
	}
	p.notify(ctx, domain.Notification{
		UserID:            j.UserID,
		Title:             "Render complete",
		Message:           fmt.Sprintf("Your render %q finished.", truncate(j.Prompt, 60)),
		Type:              domain.NotificationJobCompleted,
		RelatedJobID:      &jobID,
		RelatedArtifactID: &artifactID,
	})
	p.publish(ctx, jobID, domain.ProgressCompleted, &domain.ProgressPayload{
		ContentID:   artifactID,
		OutputPaths: outputPaths,
	})
	return nil
}

// finishWithEngineError maps an engine-side failure to its terminal commit.
func (p *Processor) finishWithEngineError(ctx context.Context, j domain.Job, err error) error {
	switch {
	case errors.Is(err, domain.ErrCancelled):
		// The orchestrator already flipped the row; no event is published for
		// a cancelled job, but the user still gets notified of the terminal
		// transition.
		cur, gerr := p.Jobs.Get(ctx, j.ID)
		if gerr == nil && cur.Status == domain.JobCancelled {
			observability.CancelJob("render")
			jobID := j.ID
			p.notify(ctx, domain.Notification{
				UserID:       j.UserID,
				Title:        "Render cancelled",
				Message:      fmt.Sprintf("Your render %q was cancelled.", truncate(j.Prompt, 60)),
				Type:         domain.NotificationJobCancelled,
				RelatedJobID: &jobID,
			})
			return nil
		}
		// Cancelled by worker shutdown, not by the user. Leave the row to the
		// sweeper and let the broker redeliver.
		return err
	case errors.Is(err, domain.ErrDeadlineExceeded):
		return p.fail(ctx, j, "generation exceeded time budget", domain.TimeoutRecoveryHints)
	case errors.Is(err, domain.ErrEngineRejected):
		return p.fail(ctx, j, err.Error(), nil)
	case errors.Is(err, domain.ErrArtifactMissing):
		return p.fail(ctx, j, "engine output disappeared before download", nil)
	default:
		return p.fail(ctx, j, "render engine unavailable", nil)
	}
}

// fail commits the failed status, fans out, and returns nil so the broker
// does not redeliver a terminally-failed job.
func (p *Processor) fail(ctx context.Context, j domain.Job, msg string, hints []string) error {
	if err := p.Jobs.Fail(ctx, j.ID, msg, hints); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost the race against a completion or cancellation.
			return nil
		}
		slog.Error("terminal fail commit failed",
			slog.String("job_id", j.ID), slog.Any("error", err))
		return err
	}
	observability.FailJob("render")
	if j.UserID != "" {
		jobID := j.ID
		p.notify(ctx, domain.Notification{
			UserID:       j.UserID,
			Title:        "Render failed",
			Message:      msg,
			Type:         domain.NotificationJobFailed,
			RelatedJobID: &jobID,
		})
	}
	p.publish(ctx, j.ID, domain.ProgressFailed, &domain.ProgressPayload{Error: msg})
	return nil
}

// watchCancel polls the job row so a user cancellation reaches the engine
// wait as a context cancellation.
func (p *Processor) watchCancel(ctx context.Context, cancel context.CancelFunc, jobID string) {
	interval := p.CancelPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j, err := p.Jobs.Get(ctx, jobID)
			if err == nil && j.Status == domain.JobCancelled {
				cancel()
				return
			}
		}
	}
}

// collectOutputs downloads every engine output, writes it under the dated
// artifact tree, and renders thumbnails. Returns the first output's content
// type for the artifact row.
func (p *Processor) collectOutputs(ctx context.Context, j domain.Job, refs []domain.OutputRef) (outputs, thumbs []string, contentType string, err error) {
	now := time.Now().UTC()
	dir := filepath.Join(p.ArtifactRoot, j.UserID,
		fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", int(now.Month())), fmt.Sprintf("%02d", now.Day()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, "", fmt.Errorf("op=process.collect: %w", err)
	}

	for i, ref := range refs {
		data, err := p.Engine.FetchArtifact(ctx, ref)
		if err != nil {
			removeFiles(outputs, thumbs)
			return nil, nil, "", err
		}
		mt := mimetype.Detect(data)
		if contentType == "" {
			contentType = mt.String()
		}
		ext := mt.Extension()
		if ext == "" {
			ext = ".bin"
		}

		path := filepath.Join(dir, fmt.Sprintf("%s_%d%s", j.ID, i, ext))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			removeFiles(outputs, thumbs)
			return nil, nil, "", fmt.Errorf("op=process.collect: %w", err)
		}
		outputs = append(outputs, path)

		thumbPath := filepath.Join(dir, fmt.Sprintf("thumb_%s_%d%s", j.ID, i, ext))
		if err := p.writeThumbnail(data, thumbPath); err != nil {
			// The full-size output stands on its own.
			slog.Warn("thumbnail generation failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		thumbs = append(thumbs, thumbPath)
	}
	return outputs, thumbs, contentType, nil
}

func (p *Processor) writeThumbnail(data []byte, path string) error {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return err
	}
	size := p.ThumbnailSize
	if size <= 0 {
		size = 256
	}
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)
	return imaging.Save(thumb, path)
}

func (p *Processor) publish(ctx context.Context, jobID string, kind domain.ProgressKind, payload *domain.ProgressPayload) {
	p.Bus.Publish(ctx, domain.ProgressEvent{
		JobID:     jobID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

func (p *Processor) notify(ctx context.Context, n domain.Notification) {
	if p.Notifications == nil {
		return
	}
	if _, err := p.Notifications.Create(ctx, n); err != nil {
		slog.Warn("notification fan-out failed",
			slog.String("user_id", n.UserID), slog.Any("error", err))
	}
}

func removeFiles(groups ...[]string) {
	for _, g := range groups {
		for _, f := range g {
			_ = os.Remove(f)
		}
	}
}

// truncate trims s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
