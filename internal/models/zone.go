package models

import (
	"time"
)

// 区域类型
const (
	ZoneKindSafe   = "safe"   // 用户自定义安全区
	ZoneKindDanger = "danger" // 社区上报危险区
)

// 危险区严重级别
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// 区域半径约束（米）
const (
	MinRadiusMeters = 10
	MaxRadiusMeters = 5000
)

// LatLon 经纬度坐标点
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Zone 地理区域（对应 zones 表，safe/danger 多态）
type Zone struct {
	ZoneID       string   `json:"zone_id" db:"zone_id"`
	Kind         string   `json:"kind" db:"kind"` // safe 或 danger
	OwnerID      string   `json:"owner_id" db:"owner_id"` // safe: 属主；danger: 上报人
	Name         string   `json:"name" db:"name"`
	CenterLat    float64  `json:"center_lat" db:"center_lat"`
	CenterLon    float64  `json:"center_lon" db:"center_lon"`
	RadiusMeters float64  `json:"radius_meters" db:"radius_meters"`
	Polygon      []LatLon `json:"polygon,omitempty" db:"polygon"` // 安全区可选精确边界
	IsActive     bool     `json:"is_active" db:"is_active"`

	// 安全区生效时段
	ActiveFrom  *time.Time `json:"active_from,omitempty" db:"active_from"`
	ActiveUntil *time.Time `json:"active_until,omitempty" db:"active_until"`

	// 危险区属性（最后确认 30 天后过期，由外部保留策略维护）
	Severity      string     `json:"severity,omitempty" db:"severity"`
	Confirmations int        `json:"confirmations" db:"confirmations"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	// 通知开关
	NotifyOnEntry bool `json:"notify_on_entry" db:"notify_on_entry"`
	NotifyOnExit  bool `json:"notify_on_exit" db:"notify_on_exit"`

	// 几何版本号（几何变更时递增，用于失效派生状态）
	GeometryVersion int `json:"geometry_version" db:"geometry_version"`
}

// IsSafe 是否为安全区
func (z *Zone) IsSafe() bool {
	return z.Kind == ZoneKindSafe
}

// IsDanger 是否为危险区
func (z *Zone) IsDanger() bool {
	return z.Kind == ZoneKindDanger
}

// IsMatchable 区域当前是否可参与匹配
// 危险区过期或任何区域被停用后必须排除
func (z *Zone) IsMatchable(now time.Time) bool {
	if !z.IsActive {
		return false
	}
	if z.IsDanger() && z.ExpiresAt != nil && !z.ExpiresAt.After(now) {
		return false
	}
	if z.IsSafe() {
		if z.ActiveFrom != nil && now.Before(*z.ActiveFrom) {
			return false
		}
		if z.ActiveUntil != nil && !now.Before(*z.ActiveUntil) {
			return false
		}
	}
	return true
}

// SeverityRank 严重级别排序权重（critical 最高）
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}
