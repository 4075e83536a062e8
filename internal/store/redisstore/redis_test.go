package redisstore

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	vals    map[string]int64
	expires map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{vals: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd {
	f.vals[key] += value
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.vals[key])
	return cmd
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.vals[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(strconv.FormatInt(v, 10))
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, key string, d time.Duration) *redis.BoolCmd {
	f.expires[key] = d
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func TestIncrAndReadTokens(t *testing.T) {
	f := newFakeRedis()
	s := NewWithClient(f)
	s.TTL = time.Hour
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	n, err := s.Tokens(ctx, "guest", "guest_1")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.IncrTokens(ctx, "guest", "guest_1", 5)
	require.NoError(t, err)
	total, err := s.IncrTokens(ctx, "guest", "guest_1", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(12), total)

	n, err = s.Tokens(ctx, "guest", "guest_1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.Equal(t, time.Hour, f.expires["usage:guest:guest_1"])
	assert.NoError(t, s.Close())
}
