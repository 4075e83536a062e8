package relay

import (
	"fmt"
	"strings"

	"github.com/suPer8Hu/ai-relay/internal/broadcast"
)

// Presence events are relayed only from connections inside the room and
// never echoed back to their origin.

type Typing struct {
	SessionID string `json:"sessionId"`
	User      any    `json:"user"`
}

type InputChange struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	UserID    string `json:"userId,omitempty"`
}

type MemberAdded struct {
	SessionID string         `json:"sessionId"`
	Member    map[string]any `json:"member"`
}

type SystemNotification struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Member  map[string]any `json:"member,omitempty"`
}

func (c *Coordinator) relay(origin Origin, sessionID, name string, data any) bool {
	if sessionID == "" || !c.hub.InRoom(sessionID, origin.Conn.ID()) {
		return false
	}
	c.hub.Broadcast(sessionID, broadcast.NewEvent(name, data), origin.Conn.ID())
	return true
}

func (c *Coordinator) Typing(origin Origin, t Typing, started bool) bool {
	if t.User == nil {
		return false
	}
	name := broadcast.EventTypingStopped
	if started {
		name = broadcast.EventTypingStarted
	}
	return c.relay(origin, t.SessionID, name, t)
}

func (c *Coordinator) InputChanged(origin Origin, in InputChange) bool {
	return c.relay(origin, in.SessionID, broadcast.EventInputChanged, in)
}

func (c *Coordinator) MemberAdded(origin Origin, m MemberAdded) bool {
	name, _ := m.Member["name"].(string)
	if strings.TrimSpace(name) == "" {
		name = "A new member"
	}
	return c.relay(origin, m.SessionID, broadcast.EventSystemNotification, SystemNotification{
		Type:    "member_joined",
		Message: fmt.Sprintf("%s joined the conversation.", name),
		Member:  m.Member,
	})
}

// Notify sends a system notification to every member of the room.
func (c *Coordinator) Notify(sessionID string, n SystemNotification) int {
	return c.hub.Broadcast(sessionID, broadcast.NewEvent(broadcast.EventSystemNotification, n), "")
}
