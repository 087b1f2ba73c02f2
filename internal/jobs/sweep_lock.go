package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// 锁过期时间：扫描挂死时锁自动失效，后续轮次可恢复
const sweepLockTTL = 10 * time.Minute

// RedisSweepLock 基于 Redis SetNX 的扫描锁（SweepLocker 实现）
type RedisSweepLock struct {
	client *redis.Client
	key    string
}

// NewRedisSweepLock 创建扫描锁
func NewRedisSweepLock(client *redis.Client, key string) *RedisSweepLock {
	return &RedisSweepLock{
		client: client,
		key:    key,
	}
}

// TryAcquire 尝试抢锁，已被持有时返回 false
func (l *RedisSweepLock) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, "1", sweepLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return acquired, nil
}

// Release 释放锁
func (l *RedisSweepLock) Release(ctx context.Context) error {
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
