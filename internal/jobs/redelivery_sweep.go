package jobs

import (
	"context"
	"fmt"
	"time"

	"safenest-geofence/internal/config"
	"safenest-geofence/internal/dispatcher"
	"safenest-geofence/internal/filter"
	"safenest-geofence/internal/models"
	"safenest-geofence/internal/resolver"

	"go.uber.org/zap"
)

// 每轮重投最多处理的事件数
const redeliveryBatchSize = 100

// TransitionRedeliveryStore 重投扫描需要的事件操作
type TransitionRedeliveryStore interface {
	ListUndelivered(ctx context.Context, grace time.Duration, now time.Time, limit int) ([]*models.ZoneTransitionEvent, error)
	TryMarkNotificationSent(ctx context.Context, eventID string, sentAt time.Time) (bool, error)
}

// RedeliverySweep 未送达事件重投扫描
// 捞起超过宽限期仍未标记送达的事件重新走分发。正常路径里被
// 抑制的事件在产生时即抢占发送标记，能走到这里的只有投递
// 彻底失败或进程中断留下的事件。重投时重新套用通知开关与
// 免打扰门禁（以当前时刻为准）。
type RedeliverySweep struct {
	config        *config.Config
	transitions   TransitionRedeliveryStore
	zones         ZoneSweepStore
	preferences   PreferenceSweepStore
	relationships RelationshipSweepStore
	dispatcher    EventDispatcher
	quiet         *filter.QuietHoursFilter
	sharing       *resolver.SharingResolver
	logger        *zap.Logger
}

// NewRedeliverySweep 创建重投扫描
func NewRedeliverySweep(
	cfg *config.Config,
	transitions TransitionRedeliveryStore,
	zones ZoneSweepStore,
	preferences PreferenceSweepStore,
	relationships RelationshipSweepStore,
	eventDispatcher EventDispatcher,
	logger *zap.Logger,
) *RedeliverySweep {
	return &RedeliverySweep{
		config:        cfg,
		transitions:   transitions,
		zones:         zones,
		preferences:   preferences,
		relationships: relationships,
		dispatcher:    eventDispatcher,
		quiet:         filter.NewQuietHoursFilter(logger),
		sharing:       resolver.NewSharingResolver(logger),
		logger:        logger,
	}
}

// Run 执行一轮重投
func (s *RedeliverySweep) Run(ctx context.Context) error {
	now := time.Now()
	events, err := s.transitions.ListUndelivered(ctx, s.config.Engine.Reminder.RedeliveryGrace, now, redeliveryBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list undelivered events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	var redelivered int
	for _, event := range events {
		if err := s.redeliverOne(ctx, event, now); err != nil {
			s.logger.Error("Failed to redeliver event",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			continue
		}
		redelivered++
	}

	s.logger.Info("Redelivery sweep completed",
		zap.Int("candidates", len(events)),
		zap.Int("redelivered", redelivered),
	)

	return nil
}

// redeliverOne 重投单个事件
func (s *RedeliverySweep) redeliverOne(ctx context.Context, event *models.ZoneTransitionEvent, now time.Time) error {
	zone, err := s.zones.GetZoneByID(ctx, event.ZoneID)
	if err != nil {
		return fmt.Errorf("failed to load zone: %w", err)
	}

	kind, ok := dispatcher.KindFor(event.EventType, zone)
	if !ok {
		return s.markHandled(ctx, event, "no notification kind")
	}

	if zone.IsSafe() {
		if event.EventType == models.EventEnter && !zone.NotifyOnEntry {
			return s.markHandled(ctx, event, "notify_on_entry disabled")
		}
		if event.EventType == models.EventExit && !zone.NotifyOnExit {
			return s.markHandled(ctx, event, "notify_on_exit disabled")
		}

		pref, err := s.preferences.GetQuietHours(ctx, event.UserID)
		if err != nil {
			return fmt.Errorf("failed to load quiet hours preference: %w", err)
		}
		if s.quiet.Evaluate(pref, now) == filter.Suppressed {
			return s.markHandled(ctx, event, "quiet hours")
		}
	}

	relationships, err := s.relationships.GetOutboundRelationships(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("failed to load relationships: %w", err)
	}
	recipients := s.sharing.Recipients(event.UserID, kind, relationships)

	return s.dispatcher.Dispatch(ctx, &dispatcher.Request{
		Event:      event,
		Zone:       zone,
		Kind:       kind,
		Recipients: recipients,
	})
}

// markHandled 抢占发送标记但不投递，事件退出重投候选
func (s *RedeliverySweep) markHandled(ctx context.Context, event *models.ZoneTransitionEvent, reason string) error {
	claimed, err := s.transitions.TryMarkNotificationSent(ctx, event.EventID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark event handled: %w", err)
	}
	if claimed {
		s.logger.Debug("Undelivered event closed without delivery",
			zap.String("event_id", event.EventID),
			zap.String("reason", reason),
		)
	}
	return nil
}
