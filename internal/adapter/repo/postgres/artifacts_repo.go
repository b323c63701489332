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

// ArtifactRepo persists generated-image metadata.
type ArtifactRepo struct{ Pool PgxPool }

// NewArtifactRepo constructs an ArtifactRepo with the given pool.
func NewArtifactRepo(p PgxPool) *ArtifactRepo { return &ArtifactRepo{Pool: p} }

// Materialize inserts the artifact row and completes the job in a single
// transaction, returning the artifact id. The job must still be running;
// otherwise the transaction rolls back with ErrConflict and no artifact row
// survives.
func (r *ArtifactRepo) Materialize(ctx domain.Context, a domain.Artifact, jobID string, outputPaths, thumbnailPaths []string) (string, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Materialize")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=artifact.materialize: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `INSERT INTO artifacts (id, user_id, title, path, thumbnail_path,
		thumbnail_alt_res, content_type, metadata, quality_score, tags, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		id, a.UserID, a.Title, a.Path, a.ThumbnailPath, a.ThumbnailAltRes,
		a.ContentType, a.Metadata, a.QualityScore, a.Tags, now)
	if err != nil {
		return "", fmt.Errorf("op=artifact.materialize: %w", err)
	}

	tag, err := tx.Exec(ctx, `UPDATE jobs SET status=$2, content_id=$3, output_paths=$4,
		thumbnail_paths=$5, completed_at=$6 WHERE id=$1 AND status=$7`,
		jobID, domain.JobCompleted, id, outputPaths, thumbnailPaths, now, domain.JobRunning)
	if err != nil {
		return "", fmt.Errorf("op=artifact.materialize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("op=artifact.materialize: job not running: %w", domain.ErrConflict)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=artifact.materialize: %w", err)
	}
	return id, nil
}

// Get loads an artifact by id.
func (r *ArtifactRepo) Get(ctx domain.Context, id string) (domain.Artifact, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT id, user_id, title, path, thumbnail_path,
		thumbnail_alt_res, content_type, metadata, quality_score, tags, created_at
		FROM artifacts WHERE id=$1`, id)
	var a domain.Artifact
	err := row.Scan(&a.ID, &a.UserID, &a.Title, &a.Path, &a.ThumbnailPath,
		&a.ThumbnailAltRes, &a.ContentType, &a.Metadata, &a.QualityScore,
		&a.Tags, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Artifact{}, fmt.Errorf("op=artifact.get: %w", domain.ErrNotFound)
		}
		return domain.Artifact{}, fmt.Errorf("op=artifact.get: %w", err)
	}
	return a, nil
}
