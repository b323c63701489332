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

// NotificationRepo persists user notifications.
type NotificationRepo struct{ Pool PgxPool }

// NewNotificationRepo constructs a NotificationRepo with the given pool.
func NewNotificationRepo(p PgxPool) *NotificationRepo { return &NotificationRepo{Pool: p} }

// Create inserts a notification unless the recipient has notifications
// disabled, in which case it returns the empty id and no error. Users without
// a preference row are treated as opted out.
func (r *NotificationRepo) Create(ctx domain.Context, n domain.Notification) (string, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.Create")
	defer span.End()

	prefs := &PreferenceRepo{Pool: r.Pool}
	enabled, err := prefs.NotificationsEnabled(ctx, n.UserID)
	if err != nil {
		return "", fmt.Errorf("op=notification.create: %w", err)
	}
	if !enabled {
		return "", nil
	}

	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO notifications (id, user_id, title, message, type, read,
		related_job_id, related_artifact_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = r.Pool.Exec(ctx, q, id, n.UserID, n.Title, n.Message, n.Type,
		false, n.RelatedJobID, n.RelatedArtifactID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=notification.create: %w", err)
	}
	return id, nil
}

// MarkRead flips the read flag. The flip is idempotent; read_at keeps the
// timestamp of the first flip. Another user's notification is ErrNotFound to
// avoid leaking existence.
func (r *NotificationRepo) MarkRead(ctx domain.Context, id, userID string) error {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.MarkRead")
	defer span.End()
	q := `UPDATE notifications SET read=true, read_at=COALESCE(read_at,$3) WHERE id=$1 AND user_id=$2`
	tag, err := r.Pool.Exec(ctx, q, id, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=notification.mark_read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=notification.mark_read: %w", domain.ErrNotFound)
	}
	return nil
}

// ListByUser returns a user's notifications, newest first.
func (r *NotificationRepo) ListByUser(ctx domain.Context, userID string, unreadOnly bool, limit, skip int) ([]domain.Notification, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.ListByUser")
	defer span.End()
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, user_id, title, message, type, read, read_at,
		related_job_id, related_artifact_id, created_at
		FROM notifications WHERE user_id=$1`
	if unreadOnly {
		q += ` AND read=false`
	}
	q += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, userID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("op=notification.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type,
			&n.Read, &n.ReadAt, &n.RelatedJobID, &n.RelatedArtifactID, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=notification.list: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=notification.list: %w", err)
	}
	return out, nil
}

// PreferenceRepo reads and writes per-user notification preferences.
type PreferenceRepo struct{ Pool PgxPool }

// NewPreferenceRepo constructs a PreferenceRepo with the given pool.
func NewPreferenceRepo(p PgxPool) *PreferenceRepo { return &PreferenceRepo{Pool: p} }

// NotificationsEnabled reports whether the user opted in to notifications.
// Absence of a preference row means opted out.
func (r *PreferenceRepo) NotificationsEnabled(ctx domain.Context, userID string) (bool, error) {
	tracer := otel.Tracer("repo.preferences")
	ctx, span := tracer.Start(ctx, "preferences.NotificationsEnabled")
	defer span.End()
	var enabled bool
	err := r.Pool.QueryRow(ctx,
		`SELECT notifications_enabled FROM user_preferences WHERE user_id=$1`, userID).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("op=preference.notifications_enabled: %w", err)
	}
	return enabled, nil
}

// SetNotificationsEnabled upserts the user's notification preference.
func (r *PreferenceRepo) SetNotificationsEnabled(ctx domain.Context, userID string, enabled bool) error {
	tracer := otel.Tracer("repo.preferences")
	ctx, span := tracer.Start(ctx, "preferences.SetNotificationsEnabled")
	defer span.End()
	q := `INSERT INTO user_preferences (user_id, notifications_enabled, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id) DO UPDATE SET notifications_enabled=EXCLUDED.notifications_enabled,
		updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, userID, enabled, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=preference.set_notifications_enabled: %w", err)
	}
	return nil
}
