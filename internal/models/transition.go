package models

import (
	"time"
)

// 越界事件类型
// reminder 为提醒扫描合成的"仍在区外"事件，不对应实际越界
const (
	EventEnter    = "enter"
	EventExit     = "exit"
	EventReminder = "reminder"
)

// ZoneTransitionEvent 区域越界事件（对应 zone_transition_events 表）
// 每次确认的越界只创建一次；除通知字段外不可变，
// 通知字段由 Dispatcher 以条件更新方式设置
type ZoneTransitionEvent struct {
	EventID                string     `json:"event_id" db:"event_id"`
	UserID                 string     `json:"user_id" db:"user_id"`
	ZoneID                 string     `json:"zone_id" db:"zone_id"`
	EventType              string     `json:"event_type" db:"event_type"` // enter/exit
	FixID                  string     `json:"fix_id" db:"fix_id"`         // 触发定位
	DistanceToCenterMeters float64    `json:"distance_to_center_meters" db:"distance_to_center_meters"`
	SpeedKmh               *float64   `json:"speed_kmh,omitempty" db:"speed_kmh"`
	HeadingDegrees         *float64   `json:"heading_degrees,omitempty" db:"heading_degrees"`
	OccurredAt             time.Time  `json:"occurred_at" db:"occurred_at"`
	NotificationSent       bool       `json:"notification_sent" db:"notification_sent"`
	NotificationSentAt     *time.Time `json:"notification_sent_at,omitempty" db:"notification_sent_at"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
}
