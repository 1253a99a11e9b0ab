package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/config"
	"github.com/cam3ron2/reach-monitor/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

// OpenStore opens the configured measurement and alert store.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Store.Driver), "memory") {
		logger.Warn("using in-memory store; measurements and alerts are lost on restart")
		return store.NewMemoryStore(), nil
	}
	sqlStore, err := store.Open(ctx, store.Options{
		Driver:          cfg.Store.Driver,
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		ConnectAttempts: cfg.Store.ConnectAttempts,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return sqlStore, nil
}

// NewLocker builds the configured job-lock and dedup backend. Redis falls back
// to an in-process locker when it cannot be reached at startup.
func NewLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) store.Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil || !strings.EqualFold(strings.TrimSpace(cfg.Locks.Backend), "redis") {
		return store.NewMemoryLocker()
	}
	locker, err := newRedisLockerFromConfig(ctx, cfg)
	if err != nil {
		logger.Warn("failed to initialize redis locker; falling back to in-memory locks", zap.Error(err))
		return store.NewMemoryLocker()
	}
	return locker
}

func newRedisLockerFromConfig(ctx context.Context, cfg *config.Config) (*store.RedisLocker, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Locks.RedisAddr,
		Password: cfg.Locks.RedisPassword,
		DB:       cfg.Locks.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return store.NewRedisLocker(redisClient, store.RedisLockerConfig{
		Namespace: cfg.Locks.Namespace,
	}), nil
}
