package chat

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"gorm.io/datatypes"
)

// MemoryStore keeps sessions and turns in process memory. Guests use it;
// it also stands in for the database when none is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      uint64
	sessions map[string]*Session
	turns    map[string][]Turn // by session, ascending ID
	owner    map[string]string // message id -> session id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		turns:    make(map[string][]Turn),
		owner:    make(map[string]string),
	}
}

func (m *MemoryStore) Kind() string { return "memory" }

func (m *MemoryStore) InsertUserTurn(ctx context.Context, t *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owner[t.MessageID]; ok {
		return nil
	}
	m.insertLocked(t)
	return nil
}

func (m *MemoryStore) UpsertAITurn(ctx context.Context, t *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sid, ok := m.owner[t.MessageID]; ok {
		turns := m.turns[sid]
		for i := range turns {
			if turns[i].MessageID == t.MessageID {
				turns[i].Responses = slices.Clone(t.Responses)
				turns[i].TokensUsed = t.TokensUsed
				return nil
			}
		}
	}
	m.insertLocked(t)
	return nil
}

func (m *MemoryStore) insertLocked(t *Turn) {
	m.seq++
	t.ID = m.seq
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	cp.Responses = slices.Clone(t.Responses)
	m.turns[t.SessionID] = append(m.turns[t.SessionID], cp)
	m.owner[t.MessageID] = t.SessionID
}

func (m *MemoryStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.turns[sessionID]
	limit = clampLimit(limit, 50)
	start := max(0, len(turns)-limit)
	return cloneTurns(turns[start:]), nil
}

func (m *MemoryStore) TurnsBefore(ctx context.Context, sessionID, beforeMessageID string, limit int) ([]Turn, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.turns[sessionID]
	idx := slices.IndexFunc(turns, func(t Turn) bool { return t.MessageID == beforeMessageID })
	if idx <= 0 {
		return nil, false, nil
	}
	limit = clampLimit(limit, 50)
	start := max(0, idx-limit)
	return cloneTurns(turns[start:idx]), start > 0, nil
}

func (m *MemoryStore) CountUserTurns(ctx context.Context, sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, t := range m.turns[sessionID] {
		if t.Role == RoleUser {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.IsActive {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) TouchSession(ctx context.Context, t SessionTouch) error {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[t.SessionID]
	if !ok || !s.IsActive {
		m.seq++
		s = &Session{
			ID:           m.seq,
			SessionID:    t.SessionID,
			OwnerID:      t.OwnerID,
			Participants: datatypes.JSONSlice[string]{},
			Title:        DefaultTitle,
			CreatedAt:    at,
		}
		m.sessions[t.SessionID] = s
	}
	s.MessageCount++
	s.IsActive = true
	s.UpdatedAt = at
	if t.Title != "" {
		s.Title = t.Title
	}
	return nil
}

func (m *MemoryStore) AddSessionTokens(ctx context.Context, sessionID string, tokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.TotalTokens += int64(tokens)
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.OwnerID == ownerID && s.IsActive {
			out = append(out, *cloneSession(s))
		}
	}
	slices.SortFunc(out, func(a, b Session) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return out[:min(len(out), clampLimit(limit, 50))], nil
}

func (m *MemoryStore) RenameSession(ctx context.Context, sessionID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.IsActive {
		return ErrSessionNotFound
	}
	s.Title = title
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AddParticipant(ctx context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.IsActive {
		return ErrSessionNotFound
	}
	if !s.Allows(userID) {
		s.Participants = append(s.Participants, userID)
		s.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.IsActive {
		return ErrSessionNotFound
	}
	s.IsActive = false
	for _, t := range m.turns[sessionID] {
		delete(m.owner, t.MessageID)
	}
	delete(m.turns, sessionID)
	return nil
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.Participants = slices.Clone(s.Participants)
	return &cp
}

func cloneTurns(in []Turn) []Turn {
	out := make([]Turn, len(in))
	for i, t := range in {
		t.Responses = slices.Clone(t.Responses)
		out[i] = t
	}
	slices.SortStableFunc(out, func(a, b Turn) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
