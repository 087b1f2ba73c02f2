package models

// QuietHoursPreference 免打扰时段配置（对应 quiet_hours_preferences 表）
// 时段可跨午夜（如 "22:00" ~ "06:00"）
type QuietHoursPreference struct {
	UserID    string `json:"user_id" db:"user_id"`
	Enabled   bool   `json:"enabled" db:"enabled"`
	StartTime string `json:"start_time" db:"start_time"` // "22:00"
	EndTime   string `json:"end_time" db:"end_time"`     // "06:00"
	Timezone  string `json:"timezone" db:"timezone"`     // "Europe/Paris"
}
