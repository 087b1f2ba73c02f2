package repository

import (
	"context"
	"database/sql"
	"fmt"

	"safenest-geofence/internal/models"

	"go.uber.org/zap"
)

// DeliveryRepository 通知投递记录仓库
// 扇出通知按 (event, recipient) 单独记录，不复用事件行
type DeliveryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeliveryRepository 创建投递记录仓库
func NewDeliveryRepository(db *sql.DB, logger *zap.Logger) *DeliveryRepository {
	return &DeliveryRepository{
		db:     db,
		logger: logger,
	}
}

// CreateDelivery 写入投递记录
func (r *DeliveryRepository) CreateDelivery(ctx context.Context, delivery *models.NotificationDelivery) error {
	query := `
		INSERT INTO notification_deliveries (
			delivery_id, event_id, recipient_user_id, kind, status,
			attempts, sent_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		delivery.DeliveryID,
		delivery.EventID,
		delivery.RecipientUserID,
		delivery.Kind,
		delivery.Status,
		delivery.Attempts,
		delivery.SentAt,
		delivery.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery record: %w", err)
	}

	return nil
}

// ListFailedDeliveries 查询永久失败的投递记录（供运维排查）
func (r *DeliveryRepository) ListFailedDeliveries(ctx context.Context, limit int) ([]*models.NotificationDelivery, error) {
	query := `
		SELECT delivery_id, event_id, recipient_user_id, kind, status,
			attempts, sent_at, created_at
		FROM notification_deliveries
		WHERE status = 'permanent_failure'
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.NotificationDelivery
	for rows.Next() {
		var d models.NotificationDelivery
		var sentAt sql.NullTime

		err := rows.Scan(
			&d.DeliveryID,
			&d.EventID,
			&d.RecipientUserID,
			&d.Kind,
			&d.Status,
			&d.Attempts,
			&sentAt,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery record: %w", err)
		}

		if sentAt.Valid {
			d.SentAt = &sentAt.Time
		}
		deliveries = append(deliveries, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery records: %w", err)
	}

	return deliveries, nil
}
