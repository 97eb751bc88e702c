package ordering

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/hshomroni/concord-bft/internal/config"
)

// redisKeyPrefix namespaces the ordering engine's objects within the Redis
// database.
const redisKeyPrefix = "concord:metadata:"

// RedisStore is a Redis-backed MetadataStore.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies reachability.
func NewRedisStore(ctx context.Context, cfg config.MetadataConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach metadata store at %s: %w", cfg.RedisAddr, err)
	}
	return &RedisStore{client: client}, nil
}

// Get implements MetadataStore.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadata get %s: %w", key, err)
	}
	return value, nil
}

// Set implements MetadataStore.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, redisKeyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("metadata set %s: %w", key, err)
	}
	return nil
}

// Delete implements MetadataStore.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("metadata delete %s: %w", key, err)
	}
	return nil
}

// EraseAll implements MetadataStore. Only this store's namespace is touched.
func (s *RedisStore) EraseAll(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("metadata erase %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("metadata erase scan: %w", err)
	}
	return nil
}

// Close implements MetadataStore.
func (s *RedisStore) Close() error { return s.client.Close() }
