package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/imageforge/internal/domain"
)

// CleanupService enforces data retention: terminal jobs older than the
// retention window are removed along with their artifact rows, and read
// notifications past the window are pruned. Pending and running jobs are
// never touched.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=cleanup.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Artifacts first while the jobs rows still reference them.
	tagArtifacts, err := tx.Exec(ctx, `
		DELETE FROM artifacts
		WHERE id IN (
			SELECT content_id FROM jobs
			WHERE content_id IS NOT NULL
			  AND status IN ($1,$2,$3)
			  AND created_at < $4
		)`, domain.JobCompleted, domain.JobFailed, domain.JobCancelled, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.artifacts: %w", err)
	}

	tagJobs, err := tx.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ($1,$2,$3) AND created_at < $4`,
		domain.JobCompleted, domain.JobFailed, domain.JobCancelled, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}

	tagNotifs, err := tx.Exec(ctx, `
		DELETE FROM notifications
		WHERE read=true AND created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.notifications: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", tagJobs.RowsAffected()),
		slog.Int64("deleted_artifacts", tagArtifacts.RowsAffected()),
		slog.Int64("deleted_notifications", tagNotifs.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup on a ticker until the context is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
