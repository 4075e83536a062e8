// Package usage accounts tokens spent per identity.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/ai-relay/internal/identity"
	"github.com/suPer8Hu/ai-relay/internal/store/redisstore"
	"github.com/suPer8Hu/ai-relay/internal/users"
	"gorm.io/gorm"
)

// EstimateTokens approximates a token count as one per four characters,
// rounded up.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

type Counter interface {
	AddTokens(ctx context.Context, id identity.Identity, tokens int) error
	Tokens(ctx context.Context, id identity.Identity) (int64, error)
}

// Router sends authenticated users to Users and guests to Guests. A nil
// side silently drops the update.
type Router struct {
	Users  Counter
	Guests Counter
}

func (r Router) pick(id identity.Identity) Counter {
	if id.Authenticated() {
		return r.Users
	}
	return r.Guests
}

func (r Router) AddTokens(ctx context.Context, id identity.Identity, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	c := r.pick(id)
	if c == nil {
		return nil
	}
	return c.AddTokens(ctx, id, tokens)
}

func (r Router) Tokens(ctx context.Context, id identity.Identity) (int64, error) {
	c := r.pick(id)
	if c == nil {
		return 0, nil
	}
	return c.Tokens(ctx, id)
}

// DBCounter keeps users.total_tokens_used.
type DBCounter struct {
	db *gorm.DB
}

func NewDBCounter(db *gorm.DB) *DBCounter { return &DBCounter{db: db} }

func (c *DBCounter) AddTokens(ctx context.Context, id identity.Identity, tokens int) error {
	if !id.Authenticated() {
		return fmt.Errorf("db usage counter: guest %s has no account", id.ID())
	}
	res := c.db.WithContext(ctx).Model(&users.User{}).
		Where("id = ?", id.ID()).
		Update("total_tokens_used", gorm.Expr("total_tokens_used + ?", tokens))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return users.ErrUserNotFound
	}
	return nil
}

func (c *DBCounter) Tokens(ctx context.Context, id identity.Identity) (int64, error) {
	var u users.User
	err := c.db.WithContext(ctx).Select("total_tokens_used").First(&u, "id = ?", id.ID()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, users.ErrUserNotFound
	}
	return u.TotalTokensUsed, err
}

// RedisCounter keeps counters under usage:<kind>:<id>.
type RedisCounter struct {
	store *redisstore.Store
}

func NewRedisCounter(s *redisstore.Store) *RedisCounter { return &RedisCounter{store: s} }

func (c *RedisCounter) AddTokens(ctx context.Context, id identity.Identity, tokens int) error {
	_, err := c.store.IncrTokens(ctx, KindOf(id), id.ID(), tokens)
	return err
}

func (c *RedisCounter) Tokens(ctx context.Context, id identity.Identity) (int64, error) {
	return c.store.Tokens(ctx, KindOf(id), id.ID())
}

// MemoryCounter is the process-local fallback.
type MemoryCounter struct {
	mu     sync.Mutex
	totals map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{totals: make(map[string]int64)}
}

func (c *MemoryCounter) AddTokens(_ context.Context, id identity.Identity, tokens int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals[KindOf(id)+":"+id.ID()] += int64(tokens)
	return nil
}

func (c *MemoryCounter) Tokens(_ context.Context, id identity.Identity) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals[KindOf(id)+":"+id.ID()], nil
}

const (
	KindUser  = "user"
	KindGuest = "guest"
)

func KindOf(id identity.Identity) string {
	if id.Authenticated() {
		return KindUser
	}
	return KindGuest
}

// Event is the queued form of a usage update.
type Event struct {
	Kind   string    `json:"kind"`
	ID     string    `json:"id"`
	Tokens int       `json:"tokens"`
	At     time.Time `json:"at"`
}

func NewEvent(id identity.Identity, tokens int) Event {
	return Event{Kind: KindOf(id), ID: id.ID(), Tokens: tokens, At: time.Now().UTC()}
}

func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("usage event: missing id")
	}
	if e.Kind != KindUser && e.Kind != KindGuest {
		return fmt.Errorf("usage event: unknown kind %q", e.Kind)
	}
	if e.Tokens < 0 {
		return errors.New("usage event: negative tokens")
	}
	return nil
}

func (e Event) Identity() identity.Identity {
	if e.Kind == KindUser {
		return identity.User{UserID: e.ID}
	}
	return identity.Guest{GuestID: e.ID}
}

type Publisher interface {
	PublishUsage(ctx context.Context, e Event) error
}

// Queued hands updates to a broker for the worker to apply; reads go to
// Reader.
type Queued struct {
	Publisher Publisher
	Reader    Counter
}

func (q Queued) AddTokens(ctx context.Context, id identity.Identity, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	return q.Publisher.PublishUsage(ctx, NewEvent(id, tokens))
}

func (q Queued) Tokens(ctx context.Context, id identity.Identity) (int64, error) {
	if q.Reader == nil {
		return 0, nil
	}
	return q.Reader.Tokens(ctx, id)
}

// Apply routes a consumed event to c.
func Apply(ctx context.Context, c Counter, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return c.AddTokens(ctx, e.Identity(), e.Tokens)
}
