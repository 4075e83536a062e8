// Package broadcast fans events out to every connection joined to a
// session room.
package broadcast

import (
	"log/slog"
	"sync"
)

// Conn is one client connection. Send must not block and must preserve
// the order of successive calls; Broadcast visits targets one by one.
type Conn interface {
	ID() string
	Send(Event) error
}

type member struct {
	conn Conn
	// who is the identity the connection joined as.
	who string
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]member
	log   *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{rooms: make(map[string]map[string]member), log: log}
}

func (h *Hub) Join(sessionID string, c Conn) { h.JoinAs(sessionID, c, "") }

// JoinAs adds c to the room, remembering the identity it joined as.
func (h *Hub) JoinAs(sessionID string, c Conn, who string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[string]member)
		h.rooms[sessionID] = room
	}
	room[c.ID()] = member{conn: c, who: who}
}

// Evict removes every member whose identity allowed rejects and returns
// their connections.
func (h *Hub) Evict(sessionID string, allowed func(who string) bool) []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Conn
	for id, m := range h.rooms[sessionID] {
		if !allowed(m.who) {
			out = append(out, m.conn)
			h.leaveLocked(sessionID, id)
		}
	}
	return out
}

func (h *Hub) Leave(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sessionID, connID)
}

// LeaveAll removes connID from every room it joined.
func (h *Hub) LeaveAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sid := range h.rooms {
		h.leaveLocked(sid, connID)
	}
}

func (h *Hub) leaveLocked(sessionID, connID string) {
	room, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, sessionID)
	}
}

func (h *Hub) InRoom(sessionID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[sessionID][connID]
	return ok
}

func (h *Hub) Members(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Broadcast sends ev to every member of the room except exceptConnID and
// returns how many sends succeeded. An empty room is a no-op.
func (h *Hub) Broadcast(sessionID string, ev Event, exceptConnID string) int {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.rooms[sessionID]))
	for id, m := range h.rooms[sessionID] {
		if id != exceptConnID {
			targets = append(targets, m.conn)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			h.log.Debug("broadcast send failed", "session_id", sessionID, "conn_id", c.ID(), "event", ev.Name, "err", err)
			continue
		}
		sent++
	}
	return sent
}
