package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"safenest-geofence/internal/config"
	"safenest-geofence/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StateCache 成员状态 Redis 缓存
// PostgreSQL 为权威存储，缓存只用于省掉热路径上的逐区域查询；
// 同时缓存每个用户最近定位（乱序判定与速度推导依赖它）
type StateCache struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewStateCache 创建状态缓存
func NewStateCache(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *StateCache {
	return &StateCache{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// stateKey 构建成员状态缓存键
func (c *StateCache) stateKey(userID, zoneID string) string {
	return fmt.Sprintf("%s%s:%s", c.config.Engine.Cache.StateKeyPrefix, userID, zoneID)
}

// lastFixKey 构建用户最近定位缓存键
func (c *StateCache) lastFixKey(userID string) string {
	return fmt.Sprintf("%slastfix:%s", c.config.Engine.Cache.StateKeyPrefix, userID)
}

// GetState 读取成员状态，未命中时返回 nil, nil
func (c *StateCache) GetState(ctx context.Context, userID, zoneID string) (*models.ZoneMembershipState, error) {
	val, err := c.redisClient.Get(ctx, c.stateKey(userID, zoneID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get membership state cache: %w", err)
	}

	var state models.ZoneMembershipState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal membership state: %w", err)
	}

	return &state, nil
}

// SetState 写入成员状态（带 TTL）
func (c *StateCache) SetState(ctx context.Context, state *models.ZoneMembershipState) error {
	jsonData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal membership state: %w", err)
	}

	ttl := time.Duration(c.config.Engine.Cache.StateTTL) * time.Second
	if err := c.redisClient.Set(ctx, c.stateKey(state.UserID, state.ZoneID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set membership state cache: %w", err)
	}

	return nil
}

// GetLastFix 读取用户最近定位，未命中时返回 nil, nil
func (c *StateCache) GetLastFix(ctx context.Context, userID string) (*models.PositionFix, error) {
	val, err := c.redisClient.Get(ctx, c.lastFixKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last fix cache: %w", err)
	}

	var fix models.PositionFix
	if err := json.Unmarshal([]byte(val), &fix); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last fix: %w", err)
	}

	return &fix, nil
}

// SetLastFix 写入用户最近定位
func (c *StateCache) SetLastFix(ctx context.Context, fix *models.PositionFix) error {
	jsonData, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("failed to marshal last fix: %w", err)
	}

	ttl := time.Duration(c.config.Engine.Cache.StateTTL) * time.Second
	if err := c.redisClient.Set(ctx, c.lastFixKey(fix.UserID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set last fix cache: %w", err)
	}

	return nil
}

// InvalidateZone 区域几何变更时清掉该区域的全部缓存状态
func (c *StateCache) InvalidateZone(ctx context.Context, zoneID string) error {
	pattern := fmt.Sprintf("%s*:%s", c.config.Engine.Cache.StateKeyPrefix, zoneID)

	var deleted int
	iter := c.redisClient.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.redisClient.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete cached state: %w", err)
		}
		deleted++
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cached states: %w", err)
	}

	c.logger.Debug("Invalidated zone state cache",
		zap.String("zone_id", zoneID),
		zap.Int("deleted", deleted),
	)

	return nil
}
