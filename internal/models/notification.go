package models

import (
	"time"
)

// 通知类型
const (
	KindSafeZoneEnter   = "safe_zone_enter"
	KindSafeZoneExit    = "safe_zone_exit"
	KindDangerProximity = "danger_proximity"
	KindOutsideReminder = "outside_reminder"
)

// 投递结果
const (
	DeliverySuccess          = "success"
	DeliveryRetryableFailure = "retryable_failure"
	DeliveryPermanentFailure = "permanent_failure"
)

// NotificationMetadata 通知附加数据
type NotificationMetadata struct {
	ZoneID         string  `json:"zone_id"`
	DistanceMeters float64 `json:"distance_meters"`
	Severity       string  `json:"severity,omitempty"`
	LowBattery     bool    `json:"low_battery,omitempty"`
}

// NotificationPayload 投递给外部通道的通知载荷
type NotificationPayload struct {
	RecipientUserID string               `json:"recipient_user_id"`
	Kind            string               `json:"kind"`
	Title           string               `json:"title"`
	Body            string               `json:"body"`
	Metadata        NotificationMetadata `json:"metadata"`
}

// NotificationDelivery 按接收人记录的投递结果（对应 notification_deliveries 表）
// 事件属主的事件行不承载多接收人状态，扇出投递单独记录
type NotificationDelivery struct {
	DeliveryID      string     `json:"delivery_id" db:"delivery_id"`
	EventID         string     `json:"event_id" db:"event_id"`
	RecipientUserID string     `json:"recipient_user_id" db:"recipient_user_id"`
	Kind            string     `json:"kind" db:"kind"`
	Status          string     `json:"status" db:"status"` // success/retryable_failure/permanent_failure
	Attempts        int        `json:"attempts" db:"attempts"`
	SentAt          *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}
