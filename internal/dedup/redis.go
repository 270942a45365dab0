package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelrelay/modelrelay/pkg/config"
	apperrors "github.com/modelrelay/modelrelay/pkg/errors"
)

const redisKeyPrefix = "relay:dedup:"

// RedisStore backs the dedup cache with Redis so the window holds across
// process restarts and replicas. TTL and eviction are delegated to Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, redisCfg config.RedisConfig, dedupCfg config.DedupConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
		PoolSize: redisCfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.NewInternalError("failed to connect to redis").WithCause(err)
	}

	return &RedisStore{
		client: client,
		ttl:    dedupCfg.TTL,
	}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used in tests.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Lookup(ctx context.Context, fingerprint string) (*CachedResponse, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.NewInternalError("dedup lookup failed").WithCause(err)
	}

	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, apperrors.NewInternalError("failed to decode cached response").WithCause(err)
	}
	return &resp, true, nil
}

func (s *RedisStore) Store(ctx context.Context, fingerprint string, resp *CachedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return apperrors.NewInternalError("failed to encode cached response").WithCause(err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+fingerprint, raw, s.ttl).Err(); err != nil {
		return apperrors.NewInternalError("dedup store failed").WithCause(err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
