package dispatcher

import (
	"context"
	"fmt"

	rediscommon "safenest-geofence/internal/common/redis"
	"safenest-geofence/internal/models"

	"github.com/go-redis/redis/v8"
)

// DeliveryError 投递失败
// Retryable 标记该失败是否可重试（由外部通道回报）
type DeliveryError struct {
	Retryable bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("retryable delivery failure: %v", e.Err)
	}
	return fmt.Sprintf("permanent delivery failure: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Deliverer 通知投递协作方
// 超时控制是投递方自身的职责，本引擎只区分成功/可重试失败/永久失败
type Deliverer interface {
	Deliver(ctx context.Context, payload *models.NotificationPayload) error
}

// StreamDeliverer 将通知发布到 Redis Streams 的默认投递方
// 下游推送/短信/邮件网关消费该流
type StreamDeliverer struct {
	client *redis.Client
	stream string
}

// NewStreamDeliverer 创建 Streams 投递方
func NewStreamDeliverer(client *redis.Client, stream string) *StreamDeliverer {
	return &StreamDeliverer{
		client: client,
		stream: stream,
	}
}

// Deliver 发布通知载荷
// Redis 不可达视为可重试失败
func (d *StreamDeliverer) Deliver(ctx context.Context, payload *models.NotificationPayload) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, d.client, d.stream, payload); err != nil {
		return &DeliveryError{Retryable: true, Err: err}
	}
	return nil
}
