package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parasitepool/para/internal/config"
)

// RedisCache provides online-worker tracking, share counters and a
// shared-Redis duplicate-share check (CheckDuplicateShare). The share path
// does not call CheckDuplicateShare: duplicate detection is done by the
// in-process share.Validator alone.
type RedisCache struct {
	client    *redis.Client
	cfg       config.RedisConfig
	logger    *zap.Logger
	keyPrefix string
}

func NewRedisCache(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info("connected to redis", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))

	return &RedisCache{client: client, cfg: cfg, logger: logger.Named("redis"), keyPrefix: cfg.KeyPrefix}, nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) key(parts ...string) string {
	key := r.keyPrefix
	for _, part := range parts {
		key += part + ":"
	}
	return key[:len(key)-1]
}

// CheckDuplicateShare atomically marks shareKey as seen and reports whether
// it had already been seen within the configured TTL.
func (r *RedisCache) CheckDuplicateShare(ctx context.Context, shareKey string) (bool, error) {
	set, err := r.client.SetNX(ctx, r.key("share", shareKey), 1, r.cfg.ShareTTL).Result()
	if err != nil {
		return false, fmt.Errorf("check duplicate share: %w", err)
	}
	return !set, nil
}

func (r *RedisCache) WorkerOnline(ctx context.Context, name string) error {
	if _, err := r.client.SAdd(ctx, r.key("workers", "online"), name).Result(); err != nil {
		return fmt.Errorf("add online worker: %w", err)
	}
	return r.client.Set(ctx, r.key("worker", name, "heartbeat"), time.Now().Unix(), r.cfg.WorkerTTL).Err()
}

func (r *RedisCache) WorkerOffline(ctx context.Context, name string) error {
	if _, err := r.client.SRem(ctx, r.key("workers", "online"), name).Result(); err != nil {
		return fmt.Errorf("remove online worker: %w", err)
	}
	r.client.Del(ctx, r.key("worker", name, "heartbeat"))
	return nil
}

func (r *RedisCache) OnlineWorkers(ctx context.Context) ([]string, error) {
	workers, err := r.client.SMembers(ctx, r.key("workers", "online")).Result()
	if err != nil {
		return nil, fmt.Errorf("get online workers: %w", err)
	}
	return workers, nil
}

func (r *RedisCache) IncrementShareCounter(ctx context.Context, name string, outcome string) error {
	return r.client.Incr(ctx, r.key("worker", name, "shares", outcome)).Err()
}
