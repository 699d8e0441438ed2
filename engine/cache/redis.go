package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	entryKeyPrefix = "entry:" // {prefix}entry:{fingerprint} -> JSON entry
	depKeyPrefix   = "dep:"   // {prefix}dep:{version key} -> set of fingerprints
)

// RedisBackend is a shared L2 for reasoning results across API replicas.
type RedisBackend struct {
	client redis.Cmdable
	prefix string
}

// NewRedisBackend stores keys under prefix (e.g. "diag:cache:").
func NewRedisBackend(client redis.Cmdable, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) entryKey(fp string) string { return b.prefix + entryKeyPrefix + fp }
func (b *RedisBackend) depKey(key string) string  { return b.prefix + depKeyPrefix + key }

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, b.entryKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	return data, true, nil
}

// Set implements Backend. Each dependency set outlives the entries it
// indexes by at most one TTL.
func (b *RedisBackend) Set(ctx context.Context, fingerprint string, data []byte, deps []string, ttl time.Duration) error {
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.entryKey(fingerprint), data, ttl)
	for _, dep := range deps {
		pipe.SAdd(ctx, b.depKey(dep), fingerprint)
		pipe.Expire(ctx, b.depKey(dep), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, fingerprints ...string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	keys := make([]string, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = b.entryKey(fp)
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: redis delete: %w", err)
	}
	return nil
}

// InvalidateByEntity implements Backend and returns the dropped fingerprints.
func (b *RedisBackend) InvalidateByEntity(ctx context.Context, key string) ([]string, error) {
	fps, err := b.client.SMembers(ctx, b.depKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: redis invalidate: %w", err)
	}
	pipe := b.client.TxPipeline()
	for _, fp := range fps {
		pipe.Del(ctx, b.entryKey(fp))
	}
	pipe.Del(ctx, b.depKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("cache: redis invalidate: %w", err)
	}
	return fps, nil
}
