// Package relay runs the multi-model fan-out for a shared chat session:
// it persists each prompt, streams every selected model's answer to the
// session room, and records the combined result.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/broadcast"
	"github.com/suPer8Hu/ai-relay/internal/chat"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/identity"
	"github.com/suPer8Hu/ai-relay/internal/usage"
	"github.com/suPer8Hu/ai-relay/internal/users"
)

var (
	ErrAccessDenied   = errors.New("access denied")
	ErrMissingSession = errors.New("session id required")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNotJoined      = errors.New("connection has not joined the session")
	ErrShuttingDown   = errors.New("relay is shutting down")
)

// ModelResolver maps a model id to the backend serving it.
type ModelResolver interface {
	Resolve(modelID string) (ai.Provider, string, error)
}

type Config struct {
	// DefaultModels is the fan-out when a message names no models.
	DefaultModels   []string
	MaxTokens       int
	Temperature     float64
	ModelTimeout    time.Duration
	HistoryPageSize int
}

type Deps struct {
	Stores  chat.Stores
	Context *chat.ContextBuilder
	Models  ModelResolver
	Hub     *broadcast.Hub
	Users   users.Directory
	Usage   usage.Counter
	Detach  *common.Detacher
	Log     *slog.Logger
}

type Coordinator struct {
	stores  chat.Stores
	builder *chat.ContextBuilder
	models  ModelResolver
	hub     *broadcast.Hub
	users   users.Directory
	usage   usage.Counter
	detach  *common.Detacher
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

func New(d Deps, cfg Config) *Coordinator {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Users == nil {
		d.Users = users.StaticDirectory{}
	}
	if d.Usage == nil {
		d.Usage = usage.Router{}
	}
	if d.Detach == nil {
		d.Detach = common.NewDetacher(d.Log, 0)
	}
	if d.Context == nil {
		d.Context = chat.NewContextBuilder(d.Stores, 10, nil, d.Log)
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 3 * time.Minute
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}
	return &Coordinator{
		stores:  d.Stores,
		builder: d.Context,
		models:  d.Models,
		hub:     d.Hub,
		users:   d.Users,
		usage:   d.Usage,
		detach:  d.Detach,
		cfg:     cfg,
		log:     d.Log,
		now:     time.Now,
	}
}

// begin registers a fan-out. It fails once Shutdown has been called.
func (c *Coordinator) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.inflight.Add(1)
	return true
}

// Shutdown refuses new messages and waits for running fan-outs to finish
// or for ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Origin is the connection a request arrived on, with the identity it
// established.
type Origin struct {
	Conn    broadcast.Conn
	UserID  string
	GuestID string
}

func (o Origin) Identity() identity.Identity {
	return identity.Resolve(o.UserID, o.GuestID)
}

func (c *Coordinator) reply(o Origin, name string, data any) {
	if o.Conn == nil {
		return
	}
	if err := o.Conn.Send(broadcast.NewEvent(name, data)); err != nil {
		c.log.Debug("reply dropped", "conn_id", o.Conn.ID(), "event", name, "err", err)
	}
}

func (c *Coordinator) replyError(o Origin, typ, msg string) {
	c.reply(o, broadcast.EventError, broadcast.ErrorPayload{Type: typ, Message: msg})
}

func (c *Coordinator) selectModels(requested []string) []string {
	out := make([]string, 0, len(requested))
	seen := map[string]bool{}
	for _, id := range requested {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return append(out, c.cfg.DefaultModels...)
	}
	return out
}
