package models

import (
	"time"
)

// PositionFix 设备位置上报（对应 position_fixes 表）
// 同一用户的定位按 captured_at 排序，写入后不可变
type PositionFix struct {
	FixID          string    `json:"fix_id" db:"fix_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	Latitude       float64   `json:"latitude" db:"latitude"`
	Longitude      float64   `json:"longitude" db:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters" db:"accuracy_meters"`
	HeadingDegrees *float64  `json:"heading_degrees,omitempty" db:"heading_degrees"`
	SpeedKmh       *float64  `json:"speed_kmh,omitempty" db:"speed_kmh"`
	BatteryPct     *int      `json:"battery_pct,omitempty" db:"battery_pct"`
	Foreground     bool      `json:"foreground" db:"foreground"`
	CapturedAt     time.Time `json:"captured_at" db:"captured_at"` // 设备时钟
	Source         string    `json:"source" db:"source"`           // "gps", "network", "fused"
}
