package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/imageforge/internal/domain"
)

// JobRepo persists and loads render jobs from PostgreSQL using a minimal pgx
// pool. All lifecycle transitions are compare-and-set on the current status so
// concurrent writers cannot corrupt the state machine.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, user_id, prompt, negative_prompt, checkpoint, loras,
	width, height, batch_size, sampler, params, status, task_handle,
	engine_prompt_id, content_id, output_paths, thumbnail_paths,
	error_message, recovery_hints, created_at, started_at, completed_at`

// Create inserts a new pending job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO jobs (id, user_id, prompt, negative_prompt, checkpoint, loras,
		width, height, batch_size, sampler, params, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := r.Pool.Exec(ctx, q, id, j.UserID, j.Prompt, j.NegativePrompt,
		j.Checkpoint, j.LoRAs, j.Width, j.Height, j.BatchSize, j.Sampler,
		j.Params, domain.JobPending, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// SetTaskHandle records the queue handle for a job. The write is idempotent:
// re-setting the same handle succeeds, a different existing handle is
// ErrConflict.
func (r *JobRepo) SetTaskHandle(ctx domain.Context, id, handle string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetTaskHandle")
	defer span.End()
	q := `UPDATE jobs SET task_handle=$2 WHERE id=$1 AND (task_handle IS NULL OR task_handle=$2)`
	tag, err := r.Pool.Exec(ctx, q, id, handle)
	if err != nil {
		return fmt.Errorf("op=job.set_task_handle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return fmt.Errorf("op=job.set_task_handle: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.set_task_handle: handle already set: %w", domain.ErrConflict)
	}
	return nil
}

// SetEnginePromptID records the engine-side prompt id once submission succeeds.
func (r *JobRepo) SetEnginePromptID(ctx domain.Context, id, promptID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetEnginePromptID")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE jobs SET engine_prompt_id=$2 WHERE id=$1`, id, promptID)
	if err != nil {
		return fmt.Errorf("op=job.set_engine_prompt_id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.set_engine_prompt_id: %w", domain.ErrNotFound)
	}
	return nil
}

// TransitionRunning claims the job for execution. The claim succeeds at most
// once per job; losers receive ErrConflict.
func (r *JobRepo) TransitionRunning(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.TransitionRunning")
	defer span.End()
	q := `UPDATE jobs SET status=$2, started_at=$3 WHERE id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobRunning, time.Now().UTC(), domain.JobPending)
	if err != nil {
		return fmt.Errorf("op=job.transition_running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return fmt.Errorf("op=job.transition_running: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.transition_running: job not pending: %w", domain.ErrConflict)
	}
	return nil
}

// Complete finalizes a running job with its artifact reference and output
// paths. Only a running job may complete.
func (r *JobRepo) Complete(ctx domain.Context, id, contentID string, outputPaths, thumbnailPaths []string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	q := `UPDATE jobs SET status=$2, content_id=$3, output_paths=$4, thumbnail_paths=$5, completed_at=$6
		WHERE id=$1 AND status=$7`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobCompleted, contentID,
		outputPaths, thumbnailPaths, time.Now().UTC(), domain.JobRunning)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return fmt.Errorf("op=job.complete: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.complete: job not running: %w", domain.ErrConflict)
	}
	return nil
}

// Fail marks a job failed with an error message and optional recovery hints.
// Completed and cancelled jobs are immutable.
func (r *JobRepo) Fail(ctx domain.Context, id, errMsg string, recoveryHints []string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	q := `UPDATE jobs SET status=$2, error_message=$3, recovery_hints=$4, completed_at=$5
		WHERE id=$1 AND status NOT IN ($6,$7)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobFailed, errMsg, recoveryHints,
		time.Now().UTC(), domain.JobCompleted, domain.JobCancelled)
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return fmt.Errorf("op=job.fail: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.fail: job already terminal: %w", domain.ErrConflict)
	}
	return nil
}

// Cancel marks a job cancelled and returns the status it held beforehand so
// callers can decide whether the queue handle still needs revoking. A terminal
// job is left untouched and its status returned.
func (r *JobRepo) Cancel(ctx domain.Context, id, reason string) (domain.JobStatus, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=job.cancel: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev domain.JobStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1 FOR UPDATE`, id).Scan(&prev); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=job.cancel: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=job.cancel: %w", err)
	}
	if prev.Terminal() {
		return prev, nil
	}
	var msg *string
	if reason != "" {
		msg = &reason
	}
	_, err = tx.Exec(ctx, `UPDATE jobs SET status=$2, error_message=$3, completed_at=$4 WHERE id=$1`,
		id, domain.JobCancelled, msg, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=job.cancel: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=job.cancel: %w", err)
	}
	return prev, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns one page of jobs matching the filter, newest first, plus the
// total match count for pagination.
func (r *JobRepo) List(ctx domain.Context, f domain.ListFilter) (domain.JobPage, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	where := ` WHERE 1=1`
	args := []any{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where += fmt.Sprintf(" AND user_id=$%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status=$%d", len(args))
	}

	var total int
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return domain.JobPage{}, fmt.Errorf("op=job.list: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, f.Skip)
	q := `SELECT ` + jobColumns + ` FROM jobs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return domain.JobPage{}, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()

	page := domain.JobPage{Total: total, Limit: limit, Skip: f.Skip}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return domain.JobPage{}, fmt.Errorf("op=job.list: %w", err)
		}
		page.Items = append(page.Items, j)
	}
	if err := rows.Err(); err != nil {
		return domain.JobPage{}, fmt.Errorf("op=job.list: %w", err)
	}
	return page, nil
}

// Delete removes a job row. Terminal-state enforcement is the caller's
// responsibility.
func (r *JobRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=job.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.delete: %w", domain.ErrNotFound)
	}
	return nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.UserID, &j.Prompt, &j.NegativePrompt, &j.Checkpoint,
		&j.LoRAs, &j.Width, &j.Height, &j.BatchSize, &j.Sampler, &j.Params,
		&j.Status, &j.TaskHandle, &j.EnginePromptID, &j.ContentID,
		&j.OutputPaths, &j.ThumbnailPaths, &j.ErrorMessage, &j.RecoveryHints,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return domain.Job{}, err
	}
	return j, nil
}
