package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"safenest-geofence/internal/models"

	"go.uber.org/zap"
)

// TransitionRepository 越界事件仓库
type TransitionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTransitionRepository 创建越界事件仓库
func NewTransitionRepository(db *sql.DB, logger *zap.Logger) *TransitionRepository {
	return &TransitionRepository{
		db:     db,
		logger: logger,
	}
}

const transitionColumns = `
	event_id, user_id, zone_id, event_type, fix_id, distance_to_center_meters,
	speed_kmh, heading_degrees, occurred_at, notification_sent,
	notification_sent_at, created_at
`

// CreateEvent 创建越界事件（每次确认的越界仅创建一次）
func (r *TransitionRepository) CreateEvent(ctx context.Context, event *models.ZoneTransitionEvent) error {
	query := `
		INSERT INTO zone_transition_events (
			event_id, user_id, zone_id, event_type, fix_id,
			distance_to_center_meters, speed_kmh, heading_degrees,
			occurred_at, notification_sent, notification_sent_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, NULL, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.UserID,
		event.ZoneID,
		event.EventType,
		event.FixID,
		event.DistanceToCenterMeters,
		event.SpeedKmh,
		event.HeadingDegrees,
		event.OccurredAt,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transition event: %w", err)
	}

	return nil
}

// GetEvent 获取越界事件
func (r *TransitionRepository) GetEvent(ctx context.Context, eventID string) (*models.ZoneTransitionEvent, error) {
	query := `SELECT` + transitionColumns + `FROM zone_transition_events WHERE event_id = $1`

	event, err := r.scanEvent(r.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("transition event not found: %s", eventID)
		}
		return nil, fmt.Errorf("failed to query transition event: %w", err)
	}

	return event, nil
}

// TryMarkNotificationSent 条件标记事件通知已发送
// 仅当 notification_sent 仍为 FALSE 时成功，返回是否抢占到发送权。
// 这是幂等分发（mark-then-deliver）的核心：队列 at-least-once 重放时
// 第二次标记失败，不会重复通知。
func (r *TransitionRepository) TryMarkNotificationSent(ctx context.Context, eventID string, sentAt time.Time) (bool, error) {
	query := `
		UPDATE zone_transition_events
		SET notification_sent = TRUE, notification_sent_at = $2
		WHERE event_id = $1 AND notification_sent = FALSE
	`

	result, err := r.db.ExecContext(ctx, query, eventID, sentAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark notification sent: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check affected rows: %w", err)
	}

	return affected > 0, nil
}

// ClearNotificationSent 回滚发送标记（抢占后投递彻底失败时释放，留待重投扫描）
func (r *TransitionRepository) ClearNotificationSent(ctx context.Context, eventID string) error {
	query := `
		UPDATE zone_transition_events
		SET notification_sent = FALSE, notification_sent_at = NULL
		WHERE event_id = $1
	`

	_, err := r.db.ExecContext(ctx, query, eventID)
	if err != nil {
		return fmt.Errorf("failed to clear notification sent: %w", err)
	}

	return nil
}

// ListUndelivered 找出创建超过宽限期仍未送达的事件（供重投扫描）
func (r *TransitionRepository) ListUndelivered(ctx context.Context, grace time.Duration, now time.Time, limit int) ([]*models.ZoneTransitionEvent, error) {
	cutoff := now.Add(-grace)

	query := `
		SELECT` + transitionColumns + `
		FROM zone_transition_events
		WHERE notification_sent = FALSE AND created_at <= $1
		ORDER BY created_at
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query undelivered events: %w", err)
	}
	defer rows.Close()

	var events []*models.ZoneTransitionEvent
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transition events: %w", err)
	}

	return events, nil
}

// scanEvent 扫描单行越界事件
func (r *TransitionRepository) scanEvent(row rowScanner) (*models.ZoneTransitionEvent, error) {
	var event models.ZoneTransitionEvent
	var speedKmh, headingDegrees sql.NullFloat64
	var sentAt sql.NullTime

	err := row.Scan(
		&event.EventID,
		&event.UserID,
		&event.ZoneID,
		&event.EventType,
		&event.FixID,
		&event.DistanceToCenterMeters,
		&speedKmh,
		&headingDegrees,
		&event.OccurredAt,
		&event.NotificationSent,
		&sentAt,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if speedKmh.Valid {
		event.SpeedKmh = &speedKmh.Float64
	}
	if headingDegrees.Valid {
		event.HeadingDegrees = &headingDegrees.Float64
	}
	if sentAt.Valid {
		event.NotificationSentAt = &sentAt.Time
	}

	return &event, nil
}
