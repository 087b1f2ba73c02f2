package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"safenest-geofence/internal/models"
	"safenest-geofence/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher 通知分发器
// 幂等的 mark-then-deliver：先以条件更新抢占事件的发送权
// （notification_sent FALSE → TRUE 仅成功一次），抢占到的一方才渲染
// 载荷、投递并记录扇出结果。队列 at-least-once 重放时第二次抢占失败，
// 整个分发退化为空操作。
type Dispatcher struct {
	transitionRepo *repository.TransitionRepository
	deliveryRepo   *repository.DeliveryRepository
	deliverer      Deliverer
	logger         *zap.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// NewDispatcher 创建通知分发器
func NewDispatcher(
	transitionRepo *repository.TransitionRepository,
	deliveryRepo *repository.DeliveryRepository,
	deliverer Deliverer,
	maxRetries int,
	retryBackoff time.Duration,
	logger *zap.Logger,
) *Dispatcher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Dispatcher{
		transitionRepo: transitionRepo,
		deliveryRepo:   deliveryRepo,
		deliverer:      deliverer,
		logger:         logger,
		maxRetries:     maxRetries,
		retryBackoff:   retryBackoff,
	}
}

// Request 一次分发请求
// Kind 由上游管道根据事件和区域类型确定；Recipients 为共享解析器
// 已过滤出的扇出接收人（不含事件属主）
type Request struct {
	Event      *models.ZoneTransitionEvent
	Zone       *models.Zone
	Kind       string
	Recipients []string
	LowBattery bool
}

// KindFor 由事件类型和区域类型映射通知类型
// 危险区只在进入时告警；无匹配类型时返回 false
func KindFor(eventType string, zone *models.Zone) (string, bool) {
	if zone.IsDanger() {
		if eventType == models.EventEnter {
			return models.KindDangerProximity, true
		}
		return "", false
	}
	switch eventType {
	case models.EventEnter:
		return models.KindSafeZoneEnter, true
	case models.EventExit:
		return models.KindSafeZoneExit, true
	case models.EventReminder:
		return models.KindOutsideReminder, true
	}
	return "", false
}

// Dispatch 分发一个事件的全部通知
// 属主投递失败（重试耗尽）时回滚发送标记，事件留待重投扫描；
// 单个接收人的失败只记录在其投递行上，不回滚事件。
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) error {
	event, zone, kind, recipients := req.Event, req.Zone, req.Kind, req.Recipients
	now := time.Now()

	claimed, err := d.transitionRepo.TryMarkNotificationSent(ctx, event.EventID, now)
	if err != nil {
		return fmt.Errorf("failed to claim event for dispatch: %w", err)
	}
	if !claimed {
		// 事件已由先前的分发处理，重放空操作
		d.logger.Debug("Event already dispatched, skipping",
			zap.String("event_id", event.EventID),
		)
		return nil
	}

	// 属主投递：与事件行的发送标记绑定
	ownerPayload := d.renderPayload(event.UserID, req, event, zone)
	attempts, err := d.deliverWithRetry(ctx, ownerPayload)
	if err != nil {
		// 投递彻底失败：释放发送标记，事件保持未送达，等待重投扫描
		if clearErr := d.transitionRepo.ClearNotificationSent(ctx, event.EventID); clearErr != nil {
			d.logger.Error("Failed to release dispatch claim",
				zap.String("event_id", event.EventID),
				zap.Error(clearErr),
			)
		}
		d.logger.Error("Owner notification delivery failed",
			zap.String("event_id", event.EventID),
			zap.String("user_id", event.UserID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return fmt.Errorf("failed to deliver owner notification: %w", err)
	}

	// 扇出投递：每个接收人单独记录，失败不影响事件行
	for _, recipientID := range recipients {
		payload := d.renderPayload(recipientID, req, event, zone)
		attempts, deliverErr := d.deliverWithRetry(ctx, payload)

		delivery := &models.NotificationDelivery{
			DeliveryID:      uuid.New().String(),
			EventID:         event.EventID,
			RecipientUserID: recipientID,
			Kind:            kind,
			Attempts:        attempts,
			CreatedAt:       time.Now(),
		}

		if deliverErr == nil {
			sentAt := time.Now()
			delivery.Status = models.DeliverySuccess
			delivery.SentAt = &sentAt
		} else {
			var de *DeliveryError
			if errors.As(deliverErr, &de) && !de.Retryable {
				delivery.Status = models.DeliveryPermanentFailure
			} else {
				delivery.Status = models.DeliveryRetryableFailure
			}
			d.logger.Error("Fan-out notification delivery failed",
				zap.String("event_id", event.EventID),
				zap.String("recipient_id", recipientID),
				zap.String("status", delivery.Status),
				zap.Int("attempts", attempts),
				zap.Error(deliverErr),
			)
		}

		if err := d.deliveryRepo.CreateDelivery(ctx, delivery); err != nil {
			d.logger.Error("Failed to record delivery",
				zap.String("event_id", event.EventID),
				zap.String("recipient_id", recipientID),
				zap.Error(err),
			)
			// 继续处理其他接收人，不中断
		}
	}

	d.logger.Info("Event dispatched",
		zap.String("event_id", event.EventID),
		zap.String("kind", kind),
		zap.Int("recipient_count", len(recipients)),
	)

	return nil
}

// deliverWithRetry 投递载荷，可重试失败按退避重试至上限
// 返回实际尝试次数
func (d *Dispatcher) deliverWithRetry(ctx context.Context, payload *models.NotificationPayload) (int, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.retryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return attempts, ctx.Err()
			case <-time.After(backoff):
			}
		}

		attempts++
		err := d.deliverer.Deliver(ctx, payload)
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		var de *DeliveryError
		if errors.As(err, &de) && !de.Retryable {
			// 永久失败不重试
			return attempts, err
		}
	}

	return attempts, lastErr
}

// renderPayload 渲染通知载荷
func (d *Dispatcher) renderPayload(recipientID string, req *Request, event *models.ZoneTransitionEvent, zone *models.Zone) *models.NotificationPayload {
	kind := req.Kind
	payload := &models.NotificationPayload{
		RecipientUserID: recipientID,
		Kind:            kind,
		Metadata: models.NotificationMetadata{
			ZoneID:         zone.ZoneID,
			DistanceMeters: event.DistanceToCenterMeters,
			LowBattery:     req.LowBattery,
		},
	}

	switch kind {
	case models.KindSafeZoneEnter:
		payload.Title = "Arrived at " + zone.Name
		payload.Body = fmt.Sprintf("Entered safe zone %s at %s", zone.Name, event.OccurredAt.Format("15:04"))
	case models.KindSafeZoneExit:
		payload.Title = "Left " + zone.Name
		payload.Body = fmt.Sprintf("Exited safe zone %s at %s", zone.Name, event.OccurredAt.Format("15:04"))
	case models.KindDangerProximity:
		payload.Title = "Danger zone nearby"
		payload.Body = fmt.Sprintf("Within %.0fm of a reported danger area", event.DistanceToCenterMeters)
		payload.Metadata.Severity = zone.Severity
	case models.KindOutsideReminder:
		payload.Title = "Still outside " + zone.Name
		payload.Body = fmt.Sprintf("Outside safe zone %s since %s", zone.Name, event.OccurredAt.Format("15:04"))
	}

	return payload
}
