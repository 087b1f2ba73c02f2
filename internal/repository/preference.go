package repository

import (
	"context"
	"database/sql"
	"fmt"

	"safenest-geofence/internal/models"

	"go.uber.org/zap"
)

// PreferenceRepository 免打扰配置仓库
type PreferenceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPreferenceRepository 创建免打扰配置仓库
func NewPreferenceRepository(db *sql.DB, logger *zap.Logger) *PreferenceRepository {
	return &PreferenceRepository{
		db:     db,
		logger: logger,
	}
}

// GetQuietHours 获取用户免打扰配置，未配置时返回 nil, nil（过滤器按放行处理）
func (r *PreferenceRepository) GetQuietHours(ctx context.Context, userID string) (*models.QuietHoursPreference, error) {
	query := `
		SELECT user_id, enabled, start_time, end_time, timezone
		FROM quiet_hours_preferences
		WHERE user_id = $1
	`

	var pref models.QuietHoursPreference
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&pref.UserID,
		&pref.Enabled,
		&pref.StartTime,
		&pref.EndTime,
		&pref.Timezone,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query quiet hours preference: %w", err)
	}

	return &pref, nil
}
