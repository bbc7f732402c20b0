// Package dedup records which messages were fully processed so redeliveries
// of already-acked work can be skipped.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config for the Redis dedup store
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

type redisAPI interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Redis keeps one marker key per processed message id
type Redis struct {
	rdb    redisAPI
	closer func() error
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis connects and pings the server
func NewRedis(ctx context.Context, cfg Config, logger *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}

	logger.Info("Connected to Redis", slog.String("addr", cfg.Addr), slog.Int("db", cfg.DB))

	d := newRedis(rdb, cfg, logger)
	d.closer = rdb.Close
	return d, nil
}

func newRedis(rdb redisAPI, cfg Config, logger *slog.Logger) *Redis {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pipeline:done"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}

	return &Redis{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (r *Redis) key(queue, messageID string) string {
	return r.prefix + ":" + queue + ":" + messageID
}

// Seen reports whether messageID on queue was marked done
func (r *Redis) Seen(ctx context.Context, queue, messageID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(queue, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return n > 0, nil
}

// MarkDone records messageID on queue as processed for the configured TTL
func (r *Redis) MarkDone(ctx context.Context, queue, messageID string) error {
	if err := r.rdb.Set(ctx, r.key(queue, messageID), time.Now().UTC().Unix(), r.ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
