package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"safenest-geofence/internal/config"
	"safenest-geofence/internal/dispatcher"
	"safenest-geofence/internal/filter"
	"safenest-geofence/internal/geo"
	"safenest-geofence/internal/matcher"
	"safenest-geofence/internal/models"
	"safenest-geofence/internal/resolver"
	"safenest-geofence/internal/tracker"

	"go.uber.org/zap"
)

// 低电量阈值（百分比），低于该值的定位触发的通知带低电量标记
const lowBatteryThresholdPct = 15

// ZoneStore 区域读取接口
type ZoneStore interface {
	GetSafeZonesForUser(ctx context.Context, userID string) ([]*models.Zone, error)
	GetActiveDangerZones(ctx context.Context) ([]*models.Zone, error)
}

// MembershipStore 成员状态存储接口
type MembershipStore interface {
	GetState(ctx context.Context, userID, zoneID string) (*models.ZoneMembershipState, error)
	UpsertState(ctx context.Context, state *models.ZoneMembershipState) error
}

// TransitionStore 越界事件存储接口
type TransitionStore interface {
	CreateEvent(ctx context.Context, event *models.ZoneTransitionEvent) error
	TryMarkNotificationSent(ctx context.Context, eventID string, sentAt time.Time) (bool, error)
}

// RelationshipStore 信任关系读取接口
type RelationshipStore interface {
	GetOutboundRelationships(ctx context.Context, userID string) ([]*models.Relationship, error)
}

// PreferenceStore 免打扰配置读取接口
type PreferenceStore interface {
	GetQuietHours(ctx context.Context, userID string) (*models.QuietHoursPreference, error)
}

// StateCache 成员状态与最近定位缓存接口
type StateCache interface {
	GetState(ctx context.Context, userID, zoneID string) (*models.ZoneMembershipState, error)
	SetState(ctx context.Context, state *models.ZoneMembershipState) error
	GetLastFix(ctx context.Context, userID string) (*models.PositionFix, error)
	SetLastFix(ctx context.Context, fix *models.PositionFix) error
}

// EventDispatcher 通知分发接口
type EventDispatcher interface {
	Dispatch(ctx context.Context, req *dispatcher.Request) error
}

// Engine 地理围栏引擎
// 实现 consumer.Processor：对每条有序定位跑完整管道
// （几何判定 → 状态机 → 事件持久化 → 通知决策 → 分发交接）。
// 分发经缓冲通道交接给独立的分发协程，慢投递不会拖住
// 该用户后续定位的摄入。
type Engine struct {
	config *config.Config
	logger *zap.Logger

	tracker *tracker.Tracker
	matcher *matcher.DangerMatcher
	quiet   *filter.QuietHoursFilter
	sharing *resolver.SharingResolver

	zones         ZoneStore
	memberships   MembershipStore
	transitions   TransitionStore
	relationships RelationshipStore
	preferences   PreferenceStore
	cache         StateCache
	dispatcher    EventDispatcher

	dispatchQueue chan *dispatcher.Request
	dispatchWG    sync.WaitGroup
}

// NewEngine 创建地理围栏引擎
func NewEngine(
	cfg *config.Config,
	zones ZoneStore,
	memberships MembershipStore,
	transitions TransitionStore,
	relationships RelationshipStore,
	preferences PreferenceStore,
	cache StateCache,
	eventDispatcher EventDispatcher,
	logger *zap.Logger,
) *Engine {
	queueSize := cfg.Engine.Dispatch.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}

	return &Engine{
		config:        cfg,
		logger:        logger,
		tracker:       tracker.NewTracker(cfg.Engine.Hysteresis.ConfirmFixes, logger),
		matcher:       matcher.NewDangerMatcher(logger),
		quiet:         filter.NewQuietHoursFilter(logger),
		sharing:       resolver.NewSharingResolver(logger),
		zones:         zones,
		memberships:   memberships,
		transitions:   transitions,
		relationships: relationships,
		preferences:   preferences,
		cache:         cache,
		dispatcher:    eventDispatcher,
		dispatchQueue: make(chan *dispatcher.Request, queueSize),
	}
}

// StartDispatchWorkers 启动分发协程
func (e *Engine) StartDispatchWorkers(ctx context.Context, count int) {
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		e.dispatchWG.Add(1)
		go e.runDispatchWorker(ctx, i)
	}
}

// StopDispatchWorkers 关闭分发队列并等待在途分发完成
// 必须在消费者停止之后调用（不再有新定位入队）
func (e *Engine) StopDispatchWorkers() {
	close(e.dispatchQueue)
	e.dispatchWG.Wait()
}

// runDispatchWorker 分发协程循环
func (e *Engine) runDispatchWorker(ctx context.Context, index int) {
	defer e.dispatchWG.Done()

	for req := range e.dispatchQueue {
		if err := e.dispatcher.Dispatch(ctx, req); err != nil {
			e.logger.Error("Failed to dispatch event",
				zap.Int("worker", index),
				zap.String("event_id", req.Event.EventID),
				zap.String("kind", req.Kind),
				zap.Error(err),
			)
			// 属主投递失败时分发器已释放发送标记，留待重投扫描
		}
	}
}

// ProcessFix 处理一条定位（consumer.Processor 实现）
// 同一用户的调用由 consumer 保证串行有序
func (e *Engine) ProcessFix(ctx context.Context, fix *models.PositionFix) error {
	// 乱序判定基于缓存的最近定位；缓存不可达时退化为放行
	lastFix, err := e.cache.GetLastFix(ctx, fix.UserID)
	if err != nil {
		e.logger.Warn("Failed to load last fix from cache, skipping order check",
			zap.String("user_id", fix.UserID),
			zap.Error(err),
		)
		lastFix = nil
	}

	if lastFix != nil {
		if err := geo.CheckFixOrder(fix, lastFix.CapturedAt); err != nil {
			if errors.Is(err, geo.ErrStaleFix) {
				// 乱序定位：丢弃并记录，不重试
				e.logger.Warn("Dropping out-of-order fix",
					zap.String("user_id", fix.UserID),
					zap.String("fix_id", fix.FixID),
					zap.Error(err),
				)
				return nil
			}
			return err
		}
	}

	staleness := time.Duration(e.config.Engine.Fix.StalenessSec) * time.Second
	speedKmh, headingDeg := geo.DeriveMotion(lastFix, fix, staleness)
	lowBattery := fix.BatteryPct != nil && *fix.BatteryPct < lowBatteryThresholdPct

	safeZones, err := e.zones.GetSafeZonesForUser(ctx, fix.UserID)
	if err != nil {
		return fmt.Errorf("failed to load safe zones: %w", err)
	}
	dangerZones, err := e.zones.GetActiveDangerZones(ctx)
	if err != nil {
		return fmt.Errorf("failed to load danger zones: %w", err)
	}

	now := time.Now()

	// 危险区主告警：重叠时只对外呈现优先级最高的一个
	matches := e.matcher.Match(fix, dangerZones, now)
	primary := e.matcher.Primary(matches)

	zones := make([]*models.Zone, 0, len(safeZones)+len(dangerZones))
	zones = append(zones, safeZones...)
	zones = append(zones, dangerZones...)

	for _, zone := range zones {
		if !zone.IsMatchable(now) {
			continue
		}
		if err := e.evaluateZone(ctx, fix, zone, speedKmh, headingDeg, lowBattery, primary); err != nil {
			// 单个区域失败不中断其余区域
			e.logger.Error("Failed to evaluate zone",
				zap.String("user_id", fix.UserID),
				zap.String("zone_id", zone.ZoneID),
				zap.Error(err),
			)
		}
	}

	if err := e.cache.SetLastFix(ctx, fix); err != nil {
		e.logger.Warn("Failed to cache last fix",
			zap.String("user_id", fix.UserID),
			zap.Error(err),
		)
	}

	return nil
}

// evaluateZone 对单个区域跑状态机并处理产出的事件
func (e *Engine) evaluateZone(
	ctx context.Context,
	fix *models.PositionFix,
	zone *models.Zone,
	speedKmh, headingDeg *float64,
	lowBattery bool,
	primary *matcher.DangerMatch,
) error {
	state, err := e.loadState(ctx, fix.UserID, zone.ZoneID)
	if err != nil {
		return err
	}

	result, err := e.tracker.Evaluate(state, zone, fix, speedKmh, headingDeg)
	if err != nil {
		if errors.Is(err, geo.ErrInvalidGeometry) {
			// 几何非法的区域跳过，不影响其他区域
			e.logger.Warn("Skipping zone with invalid geometry",
				zap.String("zone_id", zone.ZoneID),
				zap.Error(err),
			)
			return nil
		}
		if errors.Is(err, geo.ErrStaleFix) {
			// 缓存层顺序校验漏掉的乱序定位被状态行兜住：丢弃
			e.logger.Warn("Dropping out-of-order fix for zone",
				zap.String("user_id", fix.UserID),
				zap.String("zone_id", zone.ZoneID),
				zap.String("fix_id", fix.FixID),
				zap.Error(err),
			)
			return nil
		}
		return err
	}

	if err := e.memberships.UpsertState(ctx, result.State); err != nil {
		return fmt.Errorf("failed to persist membership state: %w", err)
	}
	if err := e.cache.SetState(ctx, result.State); err != nil {
		e.logger.Warn("Failed to cache membership state",
			zap.String("user_id", fix.UserID),
			zap.String("zone_id", zone.ZoneID),
			zap.Error(err),
		)
	}

	if result.Event == nil {
		return nil
	}

	if err := e.transitions.CreateEvent(ctx, result.Event); err != nil {
		return fmt.Errorf("failed to persist transition event: %w", err)
	}

	return e.decideDispatch(ctx, result.Event, zone, lowBattery, primary)
}

// loadState 读取成员状态：缓存优先，未命中落库
func (e *Engine) loadState(ctx context.Context, userID, zoneID string) (*models.ZoneMembershipState, error) {
	state, err := e.cache.GetState(ctx, userID, zoneID)
	if err != nil {
		e.logger.Warn("Failed to read membership state cache, falling back to database",
			zap.String("user_id", userID),
			zap.String("zone_id", zoneID),
			zap.Error(err),
		)
	} else if state != nil {
		return state, nil
	}

	state, err = e.memberships.GetState(ctx, userID, zoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to load membership state: %w", err)
	}
	return state, nil
}

// decideDispatch 决定已持久化的事件是否对外分发
// 不分发的事件（通知开关关闭、非主危险告警、免打扰抑制）仍然
// 抢占发送标记：它们不是投递失败，不应被重投扫描捞起
func (e *Engine) decideDispatch(
	ctx context.Context,
	event *models.ZoneTransitionEvent,
	zone *models.Zone,
	lowBattery bool,
	primary *matcher.DangerMatch,
) error {
	kind, ok := dispatcher.KindFor(event.EventType, zone)
	if !ok {
		// 危险区离开等无通知语义的事件只记录
		return e.markHandledWithoutDelivery(ctx, event, "no notification kind")
	}

	if zone.IsDanger() {
		// 危险告警紧急，不过免打扰；重叠时仅主告警分发
		if primary == nil || primary.Zone.ZoneID != zone.ZoneID {
			return e.markHandledWithoutDelivery(ctx, event, "suppressed by primary alert")
		}
	} else {
		if event.EventType == models.EventEnter && !zone.NotifyOnEntry {
			return e.markHandledWithoutDelivery(ctx, event, "notify_on_entry disabled")
		}
		if event.EventType == models.EventExit && !zone.NotifyOnExit {
			return e.markHandledWithoutDelivery(ctx, event, "notify_on_exit disabled")
		}

		pref, err := e.preferences.GetQuietHours(ctx, event.UserID)
		if err != nil {
			return fmt.Errorf("failed to load quiet hours preference: %w", err)
		}
		if e.quiet.Evaluate(pref, event.OccurredAt) == filter.Suppressed {
			e.logger.Info("Notification suppressed by quiet hours",
				zap.String("event_id", event.EventID),
				zap.String("user_id", event.UserID),
			)
			return e.markHandledWithoutDelivery(ctx, event, "quiet hours")
		}
	}

	relationships, err := e.relationships.GetOutboundRelationships(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("failed to load relationships: %w", err)
	}
	recipients := e.sharing.Recipients(event.UserID, kind, relationships)

	req := &dispatcher.Request{
		Event:      event,
		Zone:       zone,
		Kind:       kind,
		Recipients: recipients,
		LowBattery: lowBattery,
	}

	// 非阻塞交接：分发不占用本用户的处理通道
	select {
	case e.dispatchQueue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markHandledWithoutDelivery 抢占事件发送标记但不投递
func (e *Engine) markHandledWithoutDelivery(ctx context.Context, event *models.ZoneTransitionEvent, reason string) error {
	claimed, err := e.transitions.TryMarkNotificationSent(ctx, event.EventID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark event handled: %w", err)
	}
	if claimed {
		e.logger.Debug("Event recorded without delivery",
			zap.String("event_id", event.EventID),
			zap.String("reason", reason),
		)
	}
	return nil
}
