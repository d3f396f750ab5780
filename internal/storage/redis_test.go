package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStateStoreFromClient(client), mr
}

func TestRedisStateStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	now := time.Now()

	require.NoError(t, s.SaveState(ctx, newState("s1", now)))
	assert.ErrorIs(t, s.SaveState(ctx, newState("s1", now)), ErrStateExists)
	assert.True(t, mr.TTL(redisStatePrefix+"s1") > 0, "state must carry a TTL")

	consumed, err := s.ConsumeState(ctx, "s1", now)
	require.NoError(t, err)
	assert.True(t, consumed.Used)
	assert.Equal(t, "/dashboard", consumed.ReturnTo)
	assert.True(t, mr.TTL(redisStatePrefix+"s1") > 0, "consume must keep the TTL")

	_, err = s.ConsumeState(ctx, "s1", now)
	assert.ErrorIs(t, err, ErrStateNotFound)

	_, err = s.ConsumeState(ctx, "missing", now)
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestRedisStateStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	now := time.Now()

	require.NoError(t, s.SaveState(ctx, newState("s1", now)))
	mr.FastForward(11 * time.Minute)

	_, err := s.ConsumeState(ctx, "s1", now)
	assert.ErrorIs(t, err, ErrStateNotFound)

	assert.Error(t, s.SaveState(ctx, newState("old", now.Add(-time.Hour))))
}

func TestRedisStateStore_ConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	now := time.Now()
	require.NoError(t, s.SaveState(ctx, newState("race", now)))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeState(ctx, "race", now); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisStateStore_PurgeIsNoop(t *testing.T) {
	s, _ := newRedisStore(t)
	count, err := s.PurgeStates(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNewRedisStateStore_RequiresAddr(t *testing.T) {
	_, err := NewRedisStateStore(context.Background(), "", "")
	assert.Error(t, err)
}

func TestRedisStateStore_Ping(t *testing.T) {
	s, mr := newRedisStore(t)
	require.NoError(t, Ping(context.Background(), s))

	mr.Close()
	assert.Error(t, Ping(context.Background(), s))
}

func TestSplit_PingReachesStateStore(t *testing.T) {
	states, mr := newRedisStore(t)
	split := NewSplit(NewMemoryStorage(), states)

	require.NoError(t, Ping(context.Background(), split))
	mr.Close()
	assert.Error(t, Ping(context.Background(), split))
}
