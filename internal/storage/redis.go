package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/contentdesk/internal/log"
	"github.com/redis/go-redis/v9"
)

const redisStatePrefix = "contentdesk:oauth_state:"

var _ StateStore = (*RedisStateStore)(nil)

// RedisStateStore keeps OAuth states in Redis with a TTL matching their
// expiry, so expired states disappear without housekeeping
type RedisStateStore struct {
	client redis.UniversalClient
}

// NewRedisStateStore connects to addr and pings the server
func NewRedisStateStore(ctx context.Context, addr, password string) (*RedisStateStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.LogInfoWithFields("redis", "Redis state store ready", map[string]any{
		"addr": addr,
	})
	return NewRedisStateStoreFromClient(client), nil
}

// NewRedisStateStoreFromClient wraps an existing client
func NewRedisStateStoreFromClient(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStateStore) SaveState(ctx context.Context, state *OAuthState) error {
	ttl := time.Until(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("state already expired")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	ok, err := s.client.SetNX(ctx, redisStatePrefix+state.State, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store state in redis: %w", err)
	}
	if !ok {
		return ErrStateExists
	}
	return nil
}

// ConsumeState uses WATCH/MULTI so a concurrent consumer invalidates the
// transaction. The loser reports ErrStateNotFound.
func (s *RedisStateStore) ConsumeState(ctx context.Context, state string, now time.Time) (*OAuthState, error) {
	key := redisStatePrefix + state

	var result *OAuthState
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrStateNotFound
		}
		if err != nil {
			return err
		}

		var stored OAuthState
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal state: %w", err)
		}
		if !stored.Redeemable(now) {
			return ErrStateNotFound
		}

		stored.Used = true
		updated, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, updated, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err != nil {
			return err
		}
		result = &stored
		return nil
	}, key)

	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, ErrStateNotFound), errors.Is(err, redis.TxFailedErr):
		return nil, ErrStateNotFound
	default:
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}
}

// PurgeStates is a no-op: Redis expires states by TTL
func (s *RedisStateStore) PurgeStates(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
