package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"safenest-geofence/internal/config"
	"safenest-geofence/internal/dispatcher"
	"safenest-geofence/internal/filter"
	"safenest-geofence/internal/models"
	"safenest-geofence/internal/resolver"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSweepInProgress 上一轮扫描尚未结束
// 预期内的背压信号，调用方按跳过处理，不算失败
var ErrSweepInProgress = errors.New("sweep already in progress")

// MembershipSweepStore 提醒扫描需要的成员状态操作
type MembershipSweepStore interface {
	ListOverdueOutside(ctx context.Context, minOutside time.Duration, now time.Time) ([]*models.ZoneMembershipState, error)
	MarkReminderSent(ctx context.Context, userID, zoneID string, sentAt time.Time) error
}

// ZoneSweepStore 扫描需要的区域读取
type ZoneSweepStore interface {
	GetZoneByID(ctx context.Context, zoneID string) (*models.Zone, error)
}

// TransitionSweepStore 扫描需要的事件操作
type TransitionSweepStore interface {
	CreateEvent(ctx context.Context, event *models.ZoneTransitionEvent) error
}

// PreferenceSweepStore 扫描需要的免打扰配置读取
type PreferenceSweepStore interface {
	GetQuietHours(ctx context.Context, userID string) (*models.QuietHoursPreference, error)
}

// RelationshipSweepStore 扫描需要的信任关系读取
type RelationshipSweepStore interface {
	GetOutboundRelationships(ctx context.Context, userID string) ([]*models.Relationship, error)
}

// EventDispatcher 通知分发接口
type EventDispatcher interface {
	Dispatch(ctx context.Context, req *dispatcher.Request) error
}

// SweepLocker 跨实例扫描互斥
// 单实例内的互斥由运行令牌保证，锁用于多副本部署时
// 同一轮只有一个实例执行扫描
type SweepLocker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// ReminderSweep 离区提醒扫描
// 周期性找出离开安全区超过阈值且未提醒过的成员状态，
// 合成 reminder 事件走免打扰过滤 → 共享解析 → 分发管道。
// 同一时刻只允许一轮扫描：上一轮未结束时新触发整轮跳过，不排队。
type ReminderSweep struct {
	config        *config.Config
	memberships   MembershipSweepStore
	zones         ZoneSweepStore
	transitions   TransitionSweepStore
	preferences   PreferenceSweepStore
	relationships RelationshipSweepStore
	dispatcher    EventDispatcher
	locker        SweepLocker
	quiet         *filter.QuietHoursFilter
	sharing       *resolver.SharingResolver
	logger        *zap.Logger

	running int32
}

// NewReminderSweep 创建离区提醒扫描
func NewReminderSweep(
	cfg *config.Config,
	memberships MembershipSweepStore,
	zones ZoneSweepStore,
	transitions TransitionSweepStore,
	preferences PreferenceSweepStore,
	relationships RelationshipSweepStore,
	eventDispatcher EventDispatcher,
	locker SweepLocker,
	logger *zap.Logger,
) *ReminderSweep {
	return &ReminderSweep{
		config:        cfg,
		memberships:   memberships,
		zones:         zones,
		transitions:   transitions,
		preferences:   preferences,
		relationships: relationships,
		dispatcher:    eventDispatcher,
		locker:        locker,
		quiet:         filter.NewQuietHoursFilter(logger),
		sharing:       resolver.NewSharingResolver(logger),
		logger:        logger,
	}
}

// Running 是否有扫描正在运行
func (s *ReminderSweep) Running() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// Run 执行一轮扫描
// 上一轮未结束时返回 ErrSweepInProgress；互斥令牌无论成功失败
// 都在本轮结束时释放
func (s *ReminderSweep) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrSweepInProgress
	}
	defer atomic.StoreInt32(&s.running, 0)

	if s.locker != nil {
		acquired, err := s.locker.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !acquired {
			// 其他实例正在扫描
			return ErrSweepInProgress
		}
		defer func() {
			if err := s.locker.Release(ctx); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	now := time.Now()
	states, err := s.memberships.ListOverdueOutside(ctx, s.config.Engine.Reminder.MinOutside, now)
	if err != nil {
		return fmt.Errorf("failed to list overdue memberships: %w", err)
	}

	var sent, skipped int
	for _, state := range states {
		if err := s.remindOne(ctx, state, now); err != nil {
			// 单条失败不中断整轮扫描
			s.logger.Error("Failed to send outside reminder",
				zap.String("user_id", state.UserID),
				zap.String("zone_id", state.ZoneID),
				zap.Error(err),
			)
			skipped++
			continue
		}
		sent++
	}

	s.logger.Info("Reminder sweep completed",
		zap.Int("candidates", len(states)),
		zap.Int("sent", sent),
		zap.Int("skipped", skipped),
	)

	return nil
}

// remindOne 为单条逾期状态合成并分发提醒
func (s *ReminderSweep) remindOne(ctx context.Context, state *models.ZoneMembershipState, now time.Time) error {
	zone, err := s.zones.GetZoneByID(ctx, state.ZoneID)
	if err != nil {
		return fmt.Errorf("failed to load zone: %w", err)
	}
	if !zone.IsSafe() || !zone.IsMatchable(now) {
		return nil
	}

	// 免打扰时段内不提醒也不打标，下一轮仍是候选
	pref, err := s.preferences.GetQuietHours(ctx, state.UserID)
	if err != nil {
		return fmt.Errorf("failed to load quiet hours preference: %w", err)
	}
	if s.quiet.Evaluate(pref, now) == filter.Suppressed {
		s.logger.Debug("Reminder suppressed by quiet hours",
			zap.String("user_id", state.UserID),
			zap.String("zone_id", state.ZoneID),
		)
		return nil
	}

	occurredAt := now
	if state.OutsideSince != nil {
		occurredAt = *state.OutsideSince
	}

	event := &models.ZoneTransitionEvent{
		EventID:    uuid.New().String(),
		UserID:     state.UserID,
		ZoneID:     state.ZoneID,
		EventType:  models.EventReminder,
		FixID:      state.LastEvaluatedFixID,
		OccurredAt: occurredAt,
		CreatedAt:  now,
	}
	if err := s.transitions.CreateEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to persist reminder event: %w", err)
	}

	relationships, err := s.relationships.GetOutboundRelationships(ctx, state.UserID)
	if err != nil {
		return fmt.Errorf("failed to load relationships: %w", err)
	}
	recipients := s.sharing.Recipients(state.UserID, models.KindOutsideReminder, relationships)

	req := &dispatcher.Request{
		Event:      event,
		Zone:       zone,
		Kind:       models.KindOutsideReminder,
		Recipients: recipients,
	}
	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		return fmt.Errorf("failed to dispatch reminder: %w", err)
	}

	// 投递失败时不打标，保持候选资格
	if err := s.memberships.MarkReminderSent(ctx, state.UserID, state.ZoneID, now); err != nil {
		return fmt.Errorf("failed to mark reminder sent: %w", err)
	}

	return nil
}
