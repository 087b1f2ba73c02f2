package matcher

import (
	"sort"
	"time"

	"safenest-geofence/internal/geo"
	"safenest-geofence/internal/models"

	"go.uber.org/zap"
)

// DangerMatch 危险区匹配结果
type DangerMatch struct {
	Zone           *models.Zone
	DistanceMeters float64
}

// DangerMatcher 危险区邻近匹配器
// 找出告警半径覆盖当前定位的活跃、未过期危险区，
// 按严重级别降序、确认数降序、距离升序排序。
// 排序决定多个危险区重叠时的"主告警"：每条定位最多对外
// 呈现一个主告警以避免通知风暴，其余匹配仍全部记录。
type DangerMatcher struct {
	logger *zap.Logger
}

// NewDangerMatcher 创建危险区匹配器
func NewDangerMatcher(logger *zap.Logger) *DangerMatcher {
	return &DangerMatcher{logger: logger}
}

// Match 返回覆盖定位的危险区，按主告警优先级排序
// 几何非法的区域记录后跳过，不影响其他区域的匹配
func (m *DangerMatcher) Match(fix *models.PositionFix, zones []*models.Zone, now time.Time) []DangerMatch {
	var matches []DangerMatch

	for _, zone := range zones {
		if !zone.IsDanger() {
			continue
		}
		if !zone.IsMatchable(now) {
			continue
		}
		if err := geo.ValidateZone(zone); err != nil {
			m.logger.Warn("Skipping danger zone with invalid geometry",
				zap.String("zone_id", zone.ZoneID),
				zap.Error(err),
			)
			continue
		}

		distance := geo.DistanceToCenter(fix, zone)
		if distance > zone.RadiusMeters {
			continue
		}

		matches = append(matches, DangerMatch{
			Zone:           zone,
			DistanceMeters: distance,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		zi, zj := matches[i].Zone, matches[j].Zone
		ri, rj := models.SeverityRank(zi.Severity), models.SeverityRank(zj.Severity)
		if ri != rj {
			return ri > rj
		}
		if zi.Confirmations != zj.Confirmations {
			return zi.Confirmations > zj.Confirmations
		}
		return matches[i].DistanceMeters < matches[j].DistanceMeters
	})

	return matches
}

// Primary 返回主告警匹配（最高优先级），无匹配时为 nil
func (m *DangerMatcher) Primary(matches []DangerMatch) *DangerMatch {
	if len(matches) == 0 {
		return nil
	}
	return &matches[0]
}
