package tracker

import (
	"math"
	"time"

	"safenest-geofence/internal/geo"
	"safenest-geofence/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tracker 区域状态跟踪器
// 维护按 (user_id, zone_id) 键控的 unknown/outside/inside 状态机。
//
// 迟滞策略（确定性，用于抑制边界附近的 GPS 抖动）：
//  1. 新分类与当前状态不同时先进入候选，连续 confirmFixes 次保持同一候选分类才确认越界；
//  2. 例外：圆形区域下 |到中心距离 - 半径| > 定位精度（定位点明确落在精度带之外）时立即确认。
// 候选被相反分类打断时计数清零。
type Tracker struct {
	confirmFixes int
	logger       *zap.Logger
}

// NewTracker 创建区域状态跟踪器
func NewTracker(confirmFixes int, logger *zap.Logger) *Tracker {
	if confirmFixes < 1 {
		confirmFixes = 1
	}
	return &Tracker{
		confirmFixes: confirmFixes,
		logger:       logger,
	}
}

// Result 单次判定结果
type Result struct {
	State *models.ZoneMembershipState // 更新后的成员状态（待持久化）
	Event *models.ZoneTransitionEvent // 确认的越界事件，无越界时为 nil
}

// Evaluate 用一条新的有序定位更新 (user, zone) 状态机
// speedKmh/headingDeg 为相邻定位推导的运动数据，可为 nil。
// 调用方保证同一用户的定位串行按 captured_at 顺序进入（见 consumer）。
func (t *Tracker) Evaluate(
	state *models.ZoneMembershipState,
	zone *models.Zone,
	fix *models.PositionFix,
	speedKmh, headingDeg *float64,
) (*Result, error) {
	if state == nil {
		state = &models.ZoneMembershipState{
			UserID:          fix.UserID,
			ZoneID:          zone.ZoneID,
			CurrentState:    models.MembershipUnknown,
			GeometryVersion: zone.GeometryVersion,
		}
	}

	// 区域几何已变更：派生状态失效，回到 unknown 重新建立基线
	if state.GeometryVersion != zone.GeometryVersion {
		t.logger.Debug("Zone geometry changed, resetting membership state",
			zap.String("user_id", state.UserID),
			zap.String("zone_id", zone.ZoneID),
			zap.Int("old_version", state.GeometryVersion),
			zap.Int("new_version", zone.GeometryVersion),
		)
		state.CurrentState = models.MembershipUnknown
		state.EnteredAt = nil
		state.OutsideSince = nil
		state.PendingState = ""
		state.PendingCount = 0
		state.GeometryVersion = zone.GeometryVersion
	}

	// 持久化的顺序兜底：缓存中的最近定位丢失时仍拒绝乱序定位
	if state.LastCapturedAt != nil {
		if err := geo.CheckFixOrder(fix, *state.LastCapturedAt); err != nil {
			return nil, err
		}
	}

	inside, err := geo.IsInside(fix, zone)
	if err != nil {
		return nil, err
	}

	classification := models.MembershipOutside
	if inside {
		classification = models.MembershipInside
	}

	distance := geo.DistanceToCenter(fix, zone)
	state.LastEvaluatedFixID = fix.FixID
	capturedAt := fix.CapturedAt
	state.LastCapturedAt = &capturedAt

	// 初始分类只建立基线，不产生事件
	if state.CurrentState == models.MembershipUnknown {
		state.CurrentState = classification
		state.PendingState = ""
		state.PendingCount = 0
		if classification == models.MembershipInside {
			now := fix.CapturedAt
			state.EnteredAt = &now
		} else {
			now := fix.CapturedAt
			state.OutsideSince = &now
		}
		return &Result{State: state}, nil
	}

	// 同态重复：幂等，清空候选
	if classification == state.CurrentState {
		state.PendingState = ""
		state.PendingCount = 0
		return &Result{State: state}, nil
	}

	// 分类翻转：先走迟滞确认
	confirmed := false

	// 定位点明确落在精度带之外时，无需等待连续确认
	if len(zone.Polygon) == 0 && math.Abs(distance-zone.RadiusMeters) > fix.AccuracyMeters {
		confirmed = true
	} else {
		if state.PendingState == classification {
			state.PendingCount++
		} else {
			state.PendingState = classification
			state.PendingCount = 1
		}
		confirmed = state.PendingCount >= t.confirmFixes
	}

	if !confirmed {
		return &Result{State: state}, nil
	}

	event := t.applyTransition(state, zone, fix, classification, distance, speedKmh, headingDeg)
	return &Result{State: state, Event: event}, nil
}

// applyTransition 落实已确认的越界并构建事件
func (t *Tracker) applyTransition(
	state *models.ZoneMembershipState,
	zone *models.Zone,
	fix *models.PositionFix,
	classification string,
	distance float64,
	speedKmh, headingDeg *float64,
) *models.ZoneTransitionEvent {
	eventType := models.EventExit
	capturedAt := fix.CapturedAt

	if classification == models.MembershipInside {
		eventType = models.EventEnter
		state.EnteredAt = &capturedAt
		state.OutsideSince = nil
		state.ReminderSentAt = nil
	} else {
		state.EnteredAt = nil
		state.OutsideSince = &capturedAt
	}

	state.CurrentState = classification
	state.PendingState = ""
	state.PendingCount = 0

	now := time.Now()
	event := &models.ZoneTransitionEvent{
		EventID:                uuid.New().String(),
		UserID:                 fix.UserID,
		ZoneID:                 zone.ZoneID,
		EventType:              eventType,
		FixID:                  fix.FixID,
		DistanceToCenterMeters: distance,
		SpeedKmh:               speedKmh,
		HeadingDegrees:         headingDeg,
		OccurredAt:             capturedAt,
		CreatedAt:              now,
	}

	t.logger.Info("Zone transition confirmed",
		zap.String("user_id", fix.UserID),
		zap.String("zone_id", zone.ZoneID),
		zap.String("event_type", eventType),
		zap.Float64("distance_m", distance),
	)

	return event
}
