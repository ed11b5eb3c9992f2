package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zeng407/comfyui/core/infra/redisutil"
)

const (
	// data TTL guards against unbounded Redis growth; configurable via env.
	defaultDataTTL           = 24 * time.Hour
	defaultRedisOpTimeout    = 2 * time.Second
	envRedisDataTTLInSeconds = "REDIS_DATA_TTL_SECONDS"
	envRedisDataTTLFallback  = "REDIS_DATA_TTL" // accepts ParseDuration values (e.g. 24h)
)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client  *redis.Client
	dataTTL time.Duration
}

// NewRedisStore constructs a Redis-backed store from a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	ttl := defaultDataTTL
	if v := os.Getenv(envRedisDataTTLInSeconds); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv(envRedisDataTTLFallback); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			ttl = parsed
		}
	}

	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &RedisStore{client: client, dataTTL: ttl}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	val, err := s.client.Get(cctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, data []byte) error {
	cctx, cancel := opContext(ctx)
	defer cancel()
	return s.client.Set(cctx, key, data, s.dataTTL).Err()
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
}
