package filter

import (
	"fmt"
	"time"

	"safenest-geofence/internal/models"

	"go.uber.org/zap"
)

// 过滤结果
const (
	Allowed    = "allowed"
	Suppressed = "suppressed"
)

// QuietHoursFilter 免打扰时段过滤器
// 判定候选通知时间是否落在用户配置的免打扰时段 [start, end) 内，
// 支持跨午夜时段（end < start）。区域自身的 notify_on_entry/notify_on_exit
// 开关在上游管道检查，不属于本过滤器职责。
type QuietHoursFilter struct {
	logger *zap.Logger
}

// NewQuietHoursFilter 创建免打扰过滤器
func NewQuietHoursFilter(logger *zap.Logger) *QuietHoursFilter {
	return &QuietHoursFilter{logger: logger}
}

// Evaluate 判定候选时间能否发送通知
// 配置缺失、未启用或时区/时间格式非法时放行（宁可打扰，不可漏报）
func (f *QuietHoursFilter) Evaluate(pref *models.QuietHoursPreference, candidate time.Time) string {
	if pref == nil || !pref.Enabled {
		return Allowed
	}

	loc, err := time.LoadLocation(pref.Timezone)
	if err != nil {
		f.logger.Warn("Invalid quiet hours timezone, allowing notification",
			zap.String("user_id", pref.UserID),
			zap.String("timezone", pref.Timezone),
			zap.Error(err),
		)
		return Allowed
	}

	startMin, err := parseClock(pref.StartTime)
	if err != nil {
		f.logger.Warn("Invalid quiet hours start time, allowing notification",
			zap.String("user_id", pref.UserID),
			zap.String("start_time", pref.StartTime),
		)
		return Allowed
	}
	endMin, err := parseClock(pref.EndTime)
	if err != nil {
		f.logger.Warn("Invalid quiet hours end time, allowing notification",
			zap.String("user_id", pref.UserID),
			zap.String("end_time", pref.EndTime),
		)
		return Allowed
	}

	local := candidate.In(loc)
	nowMin := local.Hour()*60 + local.Minute()

	if inQuietWindow(nowMin, startMin, endMin) {
		return Suppressed
	}
	return Allowed
}

// inQuietWindow 判定分钟数是否在 [start, end) 内，end < start 时跨午夜
func inQuietWindow(now, start, end int) bool {
	if start == end {
		// 空时段
		return false
	}
	if start < end {
		return now >= start && now < end
	}
	// 跨午夜：如 22:00 ~ 06:00
	return now >= start || now < end
}

// parseClock 解析 "HH:MM" 为当日分钟数
func parseClock(value string) (int, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(value, "%d:%d", &hour, &minute); err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", value, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid clock value %q", value)
	}
	return hour*60 + minute, nil
}
