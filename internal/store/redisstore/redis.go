package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cmdable is the subset of the redis client the store uses.
type Cmdable interface {
	Ping(ctx context.Context) *redis.StatusCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

type Store struct {
	rdb Cmdable
	// TTL, when positive, is refreshed on every increment.
	TTL   time.Duration
	close func() error
}

func New(addr, password string, db int) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{rdb: rdb, close: rdb.Close}
}

func NewWithClient(c Cmdable) *Store {
	return &Store{rdb: c}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func usageKey(kind, id string) string {
	return fmt.Sprintf("usage:%s:%s", kind, id)
}

// IncrTokens adds n to the usage counter of (kind, id) and returns the
// new total.
func (s *Store) IncrTokens(ctx context.Context, kind, id string, n int) (int64, error) {
	key := usageKey(kind, id)
	total, err := s.rdb.IncrBy(ctx, key, int64(n)).Result()
	if err != nil {
		return 0, err
	}
	if s.TTL > 0 {
		if err := s.rdb.Expire(ctx, key, s.TTL).Err(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Tokens returns the usage counter of (kind, id); a missing key is zero.
func (s *Store) Tokens(ctx context.Context, kind, id string) (int64, error) {
	n, err := s.rdb.Get(ctx, usageKey(kind, id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
