package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"safenest-geofence/internal/models"

	"go.uber.org/zap"
)

// MembershipRepository 区域成员状态仓库
// 按 (user_id, zone_id) 键控的派生状态，PostgreSQL 为权威存储，
// Redis 缓存见 consumer.StateCache
type MembershipRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMembershipRepository 创建成员状态仓库
func NewMembershipRepository(db *sql.DB, logger *zap.Logger) *MembershipRepository {
	return &MembershipRepository{
		db:     db,
		logger: logger,
	}
}

const membershipColumns = `
	user_id, zone_id, current_state, entered_at, outside_since,
	last_evaluated_fix_id, last_captured_at, pending_state, pending_count,
	reminder_sent_at, geometry_version
`

// 与 zones 联查时列名必须带表别名，zone_id/geometry_version 两表同名
const membershipJoinColumns = `
	s.user_id, s.zone_id, s.current_state, s.entered_at, s.outside_since,
	s.last_evaluated_fix_id, s.last_captured_at, s.pending_state, s.pending_count,
	s.reminder_sent_at, s.geometry_version
`

// GetState 获取 (user, zone) 成员状态，不存在时返回 nil, nil
func (r *MembershipRepository) GetState(ctx context.Context, userID, zoneID string) (*models.ZoneMembershipState, error) {
	query := `SELECT` + membershipColumns + `FROM zone_membership_states WHERE user_id = $1 AND zone_id = $2`

	state, err := r.scanState(r.db.QueryRowContext(ctx, query, userID, zoneID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query membership state: %w", err)
	}

	return state, nil
}

// UpsertState 写入成员状态（存在则覆盖）
func (r *MembershipRepository) UpsertState(ctx context.Context, state *models.ZoneMembershipState) error {
	query := `
		INSERT INTO zone_membership_states (
			user_id, zone_id, current_state, entered_at, outside_since,
			last_evaluated_fix_id, last_captured_at, pending_state, pending_count,
			reminder_sent_at, geometry_version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (user_id, zone_id) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			entered_at = EXCLUDED.entered_at,
			outside_since = EXCLUDED.outside_since,
			last_evaluated_fix_id = EXCLUDED.last_evaluated_fix_id,
			last_captured_at = EXCLUDED.last_captured_at,
			pending_state = EXCLUDED.pending_state,
			pending_count = EXCLUDED.pending_count,
			reminder_sent_at = EXCLUDED.reminder_sent_at,
			geometry_version = EXCLUDED.geometry_version,
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		state.UserID,
		state.ZoneID,
		state.CurrentState,
		state.EnteredAt,
		state.OutsideSince,
		state.LastEvaluatedFixID,
		state.LastCapturedAt,
		state.PendingState,
		state.PendingCount,
		state.ReminderSentAt,
		state.GeometryVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert membership state: %w", err)
	}

	return nil
}

// ListOverdueOutside 找出离开安全区超过 minOutside 且自离开后未提醒过的成员状态
// 供提醒扫描使用
func (r *MembershipRepository) ListOverdueOutside(ctx context.Context, minOutside time.Duration, now time.Time) ([]*models.ZoneMembershipState, error) {
	cutoff := now.Add(-minOutside)

	query := `
		SELECT` + membershipJoinColumns + `
		FROM zone_membership_states s
		JOIN zones z ON z.zone_id = s.zone_id
		WHERE s.current_state = 'outside'
		  AND z.kind = 'safe'
		  AND z.is_active = TRUE
		  AND s.outside_since IS NOT NULL
		  AND s.outside_since <= $1
		  AND (s.reminder_sent_at IS NULL OR s.reminder_sent_at < s.outside_since)
		ORDER BY s.user_id, s.zone_id
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue outside states: %w", err)
	}
	defer rows.Close()

	var states []*models.ZoneMembershipState
	for rows.Next() {
		state, err := r.scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate membership states: %w", err)
	}

	return states, nil
}

// MarkReminderSent 记录提醒已发送时间
func (r *MembershipRepository) MarkReminderSent(ctx context.Context, userID, zoneID string, sentAt time.Time) error {
	query := `
		UPDATE zone_membership_states
		SET reminder_sent_at = $3, updated_at = NOW()
		WHERE user_id = $1 AND zone_id = $2
	`

	_, err := r.db.ExecContext(ctx, query, userID, zoneID, sentAt)
	if err != nil {
		return fmt.Errorf("failed to mark reminder sent: %w", err)
	}

	return nil
}

// DeleteStatesForZone 删除某区域的全部派生状态（几何变更的兜底失效路径）
func (r *MembershipRepository) DeleteStatesForZone(ctx context.Context, zoneID string) error {
	query := `DELETE FROM zone_membership_states WHERE zone_id = $1`

	_, err := r.db.ExecContext(ctx, query, zoneID)
	if err != nil {
		return fmt.Errorf("failed to delete membership states: %w", err)
	}

	return nil
}

// scanState 扫描单行成员状态
func (r *MembershipRepository) scanState(row rowScanner) (*models.ZoneMembershipState, error) {
	var state models.ZoneMembershipState
	var enteredAt, outsideSince, lastCapturedAt, reminderSentAt sql.NullTime
	var lastFixID, pendingState sql.NullString

	err := row.Scan(
		&state.UserID,
		&state.ZoneID,
		&state.CurrentState,
		&enteredAt,
		&outsideSince,
		&lastFixID,
		&lastCapturedAt,
		&pendingState,
		&state.PendingCount,
		&reminderSentAt,
		&state.GeometryVersion,
	)
	if err != nil {
		return nil, err
	}

	if enteredAt.Valid {
		state.EnteredAt = &enteredAt.Time
	}
	if outsideSince.Valid {
		state.OutsideSince = &outsideSince.Time
	}
	if lastCapturedAt.Valid {
		state.LastCapturedAt = &lastCapturedAt.Time
	}
	if reminderSentAt.Valid {
		state.ReminderSentAt = &reminderSentAt.Time
	}
	if lastFixID.Valid {
		state.LastEvaluatedFixID = lastFixID.String
	}
	if pendingState.Valid {
		state.PendingState = pendingState.String
	}

	return &state, nil
}
