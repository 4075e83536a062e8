package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/suPer8Hu/ai-relay/internal/identity"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTurnNotFound    = errors.New("turn not found")
)

// SessionTouch records activity on a session, creating it on first use.
type SessionTouch struct {
	SessionID string
	OwnerID   string
	// Title replaces the current title when non-empty.
	Title string
	At    time.Time
}

type TurnStore interface {
	// InsertUserTurn stores t unless a turn with the same MessageID
	// exists, in which case it is a no-op.
	InsertUserTurn(ctx context.Context, t *Turn) error
	// UpsertAITurn stores t, replacing the responses and token count of
	// an existing turn with the same MessageID.
	UpsertAITurn(ctx context.Context, t *Turn) error
	// RecentTurns returns up to limit of the newest turns, oldest first.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	// TurnsBefore returns up to limit turns strictly older than the turn
	// beforeMessageID, oldest first, and whether even older turns exist.
	// An unknown beforeMessageID yields an empty page.
	TurnsBefore(ctx context.Context, sessionID, beforeMessageID string, limit int) ([]Turn, bool, error)
	CountUserTurns(ctx context.Context, sessionID string) (int64, error)
}

type SessionStore interface {
	// GetSession returns ErrSessionNotFound for unknown or deleted sessions.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	TouchSession(ctx context.Context, t SessionTouch) error
	AddSessionTokens(ctx context.Context, sessionID string, tokens int) error
	ListSessions(ctx context.Context, ownerID string, limit int) ([]Session, error)
	RenameSession(ctx context.Context, sessionID, title string) error
	AddParticipant(ctx context.Context, sessionID, userID string) error
	// DeleteSession marks the session inactive and purges its turns.
	DeleteSession(ctx context.Context, sessionID string) error
}

type Store interface {
	TurnStore
	SessionStore
	// Kind names the store in acknowledgements: "database" or "memory".
	Kind() string
}

// Stores pairs the durable store used for authenticated users with the
// ephemeral one used for guests.
type Stores struct {
	Durable   Store
	Ephemeral Store
}

func (s Stores) For(id identity.Identity) Store {
	if id.Authenticated() {
		return s.Durable
	}
	return s.Ephemeral
}

// FindSession looks the session up in the durable store, then the
// ephemeral one.
func (s Stores) FindSession(ctx context.Context, sessionID string) (*Session, Store, error) {
	var lastErr error
	for _, st := range []Store{s.Durable, s.Ephemeral} {
		if st == nil {
			continue
		}
		sess, err := st.GetSession(ctx, sessionID)
		if err == nil {
			return sess, st, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, ErrSessionNotFound
}

const maxTitleRunes = 50

// TitleFrom derives a session title from its first prompt.
func TitleFrom(prompt string) string {
	r := []rune(strings.TrimSpace(prompt))
	if len(r) > maxTitleRunes {
		r = r[:maxTitleRunes]
	}
	if len(r) == 0 {
		return DefaultTitle
	}
	return string(r)
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, 200)
}
