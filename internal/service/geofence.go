package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"safenest-geofence/internal/common/database"
	commonmqtt "safenest-geofence/internal/common/mqtt"
	commonredis "safenest-geofence/internal/common/redis"
	"safenest-geofence/internal/config"
	"safenest-geofence/internal/consumer"
	"safenest-geofence/internal/dispatcher"
	"safenest-geofence/internal/engine"
	"safenest-geofence/internal/jobs"
	"safenest-geofence/internal/models"
	"safenest-geofence/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 通知流的下游网关消费组：服务启动时确保存在，
// 推送/短信网关以该组消费 Dispatch.Stream
const notificationConsumerGroup = "notification-gateways"

// GeofenceService 地理围栏服务（整合各层）
type GeofenceService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *commonmqtt.Client
	logger      *zap.Logger

	// 各层组件
	zoneRepo         *repository.ZoneRepository
	membershipRepo   *repository.MembershipRepository
	transitionRepo   *repository.TransitionRepository
	relationshipRepo *repository.RelationshipRepository
	preferenceRepo   *repository.PreferenceRepository
	deliveryRepo     *repository.DeliveryRepository
	stateCache       *consumer.StateCache
	dispatcher       *dispatcher.Dispatcher
	engine           *engine.Engine
	fixConsumer      *consumer.FixConsumer
	reminderSweep    *jobs.ReminderSweep
	redeliverySweep  *jobs.RedeliverySweep

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// NewGeofenceService 创建地理围栏服务
func NewGeofenceService(cfg *config.Config, logger *zap.Logger) (*GeofenceService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := commonredis.NewRedisClient(&cfg.Redis)
	if err := commonredis.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := commonmqtt.NewClient(&cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mqtt broker: %w", err)
	}

	// 4. 创建 Repository 层
	zoneRepo := repository.NewZoneRepository(db, logger)
	membershipRepo := repository.NewMembershipRepository(db, logger)
	transitionRepo := repository.NewTransitionRepository(db, logger)
	relationshipRepo := repository.NewRelationshipRepository(db, logger)
	preferenceRepo := repository.NewPreferenceRepository(db, logger)
	deliveryRepo := repository.NewDeliveryRepository(db, logger)

	// 5. 创建缓存与分发层
	stateCache := consumer.NewStateCache(cfg, redisClient, logger)
	deliverer := dispatcher.NewStreamDeliverer(redisClient, cfg.Engine.Dispatch.Stream)
	eventDispatcher := dispatcher.NewDispatcher(
		transitionRepo,
		deliveryRepo,
		deliverer,
		cfg.Engine.Dispatch.MaxRetries,
		cfg.Engine.Dispatch.RetryBackoff,
		logger,
	)

	// 6. 创建引擎
	geofenceEngine := engine.NewEngine(
		cfg,
		zoneRepo,
		membershipRepo,
		transitionRepo,
		relationshipRepo,
		preferenceRepo,
		stateCache,
		eventDispatcher,
		logger,
	)

	// 7. 创建消费者与周期任务
	fixConsumer := consumer.NewFixConsumer(cfg, mqttClient, geofenceEngine, logger)
	sweepLock := jobs.NewRedisSweepLock(redisClient, cfg.Engine.Reminder.LockKey)
	reminderSweep := jobs.NewReminderSweep(
		cfg,
		membershipRepo,
		zoneRepo,
		transitionRepo,
		preferenceRepo,
		relationshipRepo,
		eventDispatcher,
		sweepLock,
		logger,
	)
	redeliverySweep := jobs.NewRedeliverySweep(
		cfg,
		transitionRepo,
		zoneRepo,
		preferenceRepo,
		relationshipRepo,
		eventDispatcher,
		logger,
	)

	return &GeofenceService{
		config:           cfg,
		db:               db,
		redisClient:      redisClient,
		mqttClient:       mqttClient,
		logger:           logger,
		zoneRepo:         zoneRepo,
		membershipRepo:   membershipRepo,
		transitionRepo:   transitionRepo,
		relationshipRepo: relationshipRepo,
		preferenceRepo:   preferenceRepo,
		deliveryRepo:     deliveryRepo,
		stateCache:       stateCache,
		dispatcher:       eventDispatcher,
		engine:           geofenceEngine,
		fixConsumer:      fixConsumer,
		reminderSweep:    reminderSweep,
		redeliverySweep:  redeliverySweep,
		sweepStop:        make(chan struct{}),
	}, nil
}

// Start 启动服务
func (s *GeofenceService) Start(ctx context.Context) error {
	s.logger.Info("Starting geofence service")

	// 通知流的消费组先就位，网关侧随时可以 XREADGROUP
	stream := s.config.Engine.Dispatch.Stream
	if err := commonredis.CreateConsumerGroup(ctx, s.redisClient, stream, notificationConsumerGroup); err != nil {
		return fmt.Errorf("failed to create notification consumer group: %w", err)
	}

	// 分发协程先于消费者启动，事件交接通道随时可写
	s.engine.StartDispatchWorkers(ctx, s.config.Engine.Workers.Count)

	if err := s.fixConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fix consumer: %w", err)
	}

	s.startSweepLoop(ctx)

	s.logger.Info("Geofence service started",
		zap.String("location_topic", s.config.Engine.LocationTopic),
		zap.Duration("reminder_interval", s.config.Engine.Reminder.Interval),
	)

	return nil
}

// startSweepLoop 启动提醒与重投的周期触发
func (s *GeofenceService) startSweepLoop(ctx context.Context) {
	interval := s.config.Engine.Reminder.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.sweepWG.Add(1)
	go func() {
		defer s.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.reminderSweep.Run(ctx); err != nil {
					if errors.Is(err, jobs.ErrSweepInProgress) {
						// 上一轮未结束，按设计跳过本轮
						s.logger.Info("Reminder sweep still running, skipping tick")
					} else {
						s.logger.Error("Reminder sweep failed", zap.Error(err))
					}
				}
				if err := s.redeliverySweep.Run(ctx); err != nil {
					s.logger.Error("Redelivery sweep failed", zap.Error(err))
				}
			case <-s.sweepStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// InvalidateZoneGeometry 区域几何变更入口
// 递增几何版本并清掉该区域的派生成员状态（库表与缓存），
// 所有用户对该区域回到 unknown 重新建立基线
func (s *GeofenceService) InvalidateZoneGeometry(ctx context.Context, zoneID string) error {
	if err := s.zoneRepo.BumpGeometryVersion(ctx, zoneID); err != nil {
		return fmt.Errorf("failed to bump geometry version: %w", err)
	}
	if err := s.membershipRepo.DeleteStatesForZone(ctx, zoneID); err != nil {
		return fmt.Errorf("failed to delete membership states: %w", err)
	}
	if err := s.stateCache.InvalidateZone(ctx, zoneID); err != nil {
		return fmt.Errorf("failed to invalidate state cache: %w", err)
	}

	s.logger.Info("Zone geometry invalidated",
		zap.String("zone_id", zoneID),
	)
	return nil
}

// FailedDeliveries 列出永久失败的投递记录（运维排查用）
func (s *GeofenceService) FailedDeliveries(ctx context.Context, limit int) ([]*models.NotificationDelivery, error) {
	return s.deliveryRepo.ListFailedDeliveries(ctx, limit)
}

// Stop 停止服务
// 顺序：停消费（不再有新定位）→ 排空分发队列 → 停周期任务 → 关连接
func (s *GeofenceService) Stop() error {
	s.logger.Info("Stopping geofence service")

	s.fixConsumer.Stop()
	s.engine.StopDispatchWorkers()

	close(s.sweepStop)
	s.sweepWG.Wait()

	s.mqttClient.Disconnect()

	if err := commonredis.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis client", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}

	s.logger.Info("Geofence service stopped")
	return nil
}
