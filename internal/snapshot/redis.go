package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig Redis 快照儲存設定
type RedisConfig struct {
	// Client is the Redis client instance
	Client redis.UniversalClient

	// Key is the Redis key holding the snapshot
	// Default: "raft-sessions:snapshot"
	Key string
}

// RedisStore 把節點快照存放在單一 Redis key
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis-backed snapshot store.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.Key == "" {
		config.Key = "raft-sessions:snapshot"
	}
	return &RedisStore{client: config.Client, key: config.Key}, nil
}

// Save 以單一 SET 取代快照
func (s *RedisStore) Save(ctx context.Context, data Data) error {
	data.SchemaVer = SchemaVersion
	if data.CreatedAt == 0 {
		data.CreatedAt = time.Now().UnixMilli()
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, b, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", s.key, err)
	}
	return nil
}

// Load 讀取快照；key 不存在時回傳空快照
func (s *RedisStore) Load(ctx context.Context) (Data, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Empty(), nil
	}
	if err != nil {
		return Data{}, fmt.Errorf("failed to get key %s: %w", s.key, err)
	}

	var data Data
	if err := json.Unmarshal(b, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if err := validate(&data); err != nil {
		return Data{}, err
	}
	return data, nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
