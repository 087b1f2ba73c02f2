package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	commonmqtt "safenest-geofence/internal/common/mqtt"
	"safenest-geofence/internal/config"
	"safenest-geofence/internal/models"

	"go.uber.org/zap"
)

// Processor 定位处理器接口（由 engine 实现）
type Processor interface {
	// ProcessFix 处理一条定位，内部保证同一用户串行调用
	ProcessFix(ctx context.Context, fix *models.PositionFix) error
}

// FixConsumer 位置上报消费者
// 订阅 MQTT 位置主题，按 user_id 的 FNV-1a 哈希把定位路由到固定的
// 工作协程：同一用户的定位严格串行，不同用户完全并行
type FixConsumer struct {
	config     *config.Config
	mqttClient *commonmqtt.Client
	processor  Processor
	logger     *zap.Logger

	lanes []chan *models.PositionFix
	wg    sync.WaitGroup

	// 防止 Unsubscribe 返回后仍在途的消息回调向已关闭的通道投递
	mu     sync.RWMutex
	closed bool
}

// NewFixConsumer 创建位置消费者
func NewFixConsumer(
	cfg *config.Config,
	mqttClient *commonmqtt.Client,
	processor Processor,
	logger *zap.Logger,
) *FixConsumer {
	workerCount := cfg.Engine.Workers.Count
	if workerCount < 1 {
		workerCount = 1
	}
	queueSize := cfg.Engine.Workers.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}

	lanes := make([]chan *models.PositionFix, workerCount)
	for i := range lanes {
		lanes[i] = make(chan *models.PositionFix, queueSize)
	}

	return &FixConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		processor:  processor,
		logger:     logger,
		lanes:      lanes,
	}
}

// Start 启动消费者：先拉起工作协程，再订阅主题
func (c *FixConsumer) Start(ctx context.Context) error {
	for i, lane := range c.lanes {
		c.wg.Add(1)
		go c.runWorker(ctx, i, lane)
	}

	topic := c.config.Engine.LocationTopic
	if err := c.mqttClient.Subscribe(topic, c.config.MQTT.QoS, func(t string, payload []byte) error {
		return c.handleMessage(ctx, payload)
	}); err != nil {
		return fmt.Errorf("failed to subscribe location topic: %w", err)
	}

	c.logger.Info("Fix consumer started",
		zap.String("topic", topic),
		zap.Int("workers", len(c.lanes)),
	)

	return nil
}

// Stop 停止消费者并等待工作协程退出
func (c *FixConsumer) Stop() {
	if c.mqttClient != nil {
		if err := c.mqttClient.Unsubscribe(c.config.Engine.LocationTopic); err != nil {
			c.logger.Warn("Failed to unsubscribe location topic", zap.Error(err))
		}
	}

	// 先挡住在途的回调投递，再关闭通道
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	for _, lane := range c.lanes {
		close(lane)
	}
	c.wg.Wait()
	c.logger.Info("Fix consumer stopped")
}

// handleMessage 解码定位并路由到工作协程
func (c *FixConsumer) handleMessage(ctx context.Context, payload []byte) error {
	var fix models.PositionFix
	if err := json.Unmarshal(payload, &fix); err != nil {
		return fmt.Errorf("failed to unmarshal position fix: %w", err)
	}
	if fix.UserID == "" || fix.FixID == "" {
		return fmt.Errorf("position fix missing user_id or fix_id")
	}

	return c.Enqueue(ctx, &fix)
}

// Enqueue 将定位投递到该用户的固定工作协程
// 消费者停止后的投递返回错误而不是向已关闭的通道发送
func (c *FixConsumer) Enqueue(ctx context.Context, fix *models.PositionFix) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("fix consumer stopped, dropping fix %s", fix.FixID)
	}

	lane := c.lanes[c.laneFor(fix.UserID)]
	select {
	case lane <- fix:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// laneFor 计算 user_id 对应的工作协程下标
func (c *FixConsumer) laneFor(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(c.lanes)))
}

// runWorker 工作协程循环：串行处理分配到本协程的定位
func (c *FixConsumer) runWorker(ctx context.Context, index int, lane <-chan *models.PositionFix) {
	defer c.wg.Done()

	for fix := range lane {
		if err := c.processor.ProcessFix(ctx, fix); err != nil {
			c.logger.Error("Failed to process fix",
				zap.Int("worker", index),
				zap.String("user_id", fix.UserID),
				zap.String("fix_id", fix.FixID),
				zap.Error(err),
			)
			// 继续处理下一条，单条失败不中断
		}
	}
}
