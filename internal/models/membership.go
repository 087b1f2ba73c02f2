package models

import (
	"time"
)

// 成员状态
const (
	MembershipUnknown = "unknown" // 初始状态，尚未有定位参与判定
	MembershipInside  = "inside"
	MembershipOutside = "outside"
)

// ZoneMembershipState 区域成员状态（对应 zone_membership_states 表）
// 按 (user_id, zone_id) 键控的派生状态，可由定位历史 + 区域几何重算，
// 区域几何变更时按缓存失效处理
type ZoneMembershipState struct {
	UserID             string     `json:"user_id" db:"user_id"`
	ZoneID             string     `json:"zone_id" db:"zone_id"`
	CurrentState       string     `json:"current_state" db:"current_state"` // unknown/inside/outside
	EnteredAt          *time.Time `json:"entered_at,omitempty" db:"entered_at"`
	OutsideSince       *time.Time `json:"outside_since,omitempty" db:"outside_since"`
	LastEvaluatedFixID string     `json:"last_evaluated_fix_id" db:"last_evaluated_fix_id"`

	// 最后参与判定的定位时间：定位顺序校验的持久化兜底
	// （Redis 最近定位缓存过期或不可达时仍能拒绝乱序定位）
	LastCapturedAt *time.Time `json:"last_captured_at,omitempty" db:"last_captured_at"`

	// 迟滞判定的中间记录：候选状态及其连续保持次数
	PendingState string `json:"pending_state,omitempty" db:"pending_state"`
	PendingCount int    `json:"pending_count" db:"pending_count"`

	// 离区提醒去重：上次提醒时间（重新进入后清空）
	ReminderSentAt *time.Time `json:"reminder_sent_at,omitempty" db:"reminder_sent_at"`

	// 判定所依据的区域几何版本
	GeometryVersion int `json:"geometry_version" db:"geometry_version"`
}
