package cache

import (
	"context"
	"fmt"
	"time"

	"clubapoints/internal/config"

	"github.com/go-redis/redis/v8"
)

const pingTimeout = 5 * time.Second

// InitRedis 初始化 Redis 连接并做一次连通性检查
// 目前唯一的消费方是 webhook 事件锁，Redis 不可用时服务可以降级启动
func InitRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}
