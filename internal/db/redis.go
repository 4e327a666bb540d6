package db

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/redis/go-redis/v9"
)

func dialTimeout(cfg config.RedisConfig) time.Duration {
	if cfg.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return cfg.DialTimeout
}

// NewRedisClient connects the client used for rolling counters and the ops API limiter.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	timeout := dialTimeout(cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: timeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return rdb, nil
}

// AsynqRedisOpt builds the connection option the job queue uses against the same Redis.
func AsynqRedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout(cfg),
	}
}
