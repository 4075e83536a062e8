package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/suPer8Hu/ai-relay/internal/broadcast"
	"github.com/suPer8Hu/ai-relay/internal/chat"
	"github.com/suPer8Hu/ai-relay/internal/identity"
	"github.com/suPer8Hu/ai-relay/internal/users"
)

type SessionJoined struct {
	SessionID    string          `json:"sessionId"`
	GuestID      string          `json:"guestId,omitempty"`
	Participants []users.Profile `json:"participants"`
	OwnerID      string          `json:"ownerId,omitempty"`
}

// HistoryItem is a stored turn as shown to clients.
type HistoryItem struct {
	ID          string               `json:"id"`
	Role        chat.Role            `json:"role"`
	Content     string               `json:"content"`
	Sender      *users.Profile       `json:"sender,omitempty"`
	TokensUsed  int                  `json:"tokensUsed"`
	AIResponses []chat.ModelResponse `json:"aiResponses"`
	CreatedAt   time.Time            `json:"createdAt"`
}

type HistoryChunk struct {
	SessionID string        `json:"sessionId"`
	Messages  []HistoryItem `json:"messages"`
	HasMore   bool          `json:"hasMore"`
}

type FetchHistory struct {
	SessionID string `json:"sessionId"`
	BeforeID  string `json:"beforeId"`
	Limit     int    `json:"limit"`
}

// JoinSession admits the origin connection to the session room and sends
// it the session's members and, for authenticated users, its most recent
// history. Non-members of an existing session are refused.
func (c *Coordinator) JoinSession(ctx context.Context, origin Origin, sessionID string) error {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		c.replyError(origin, "", "Session ID required")
		return ErrMissingSession
	}
	who := origin.Identity()

	sess, _, err := c.stores.FindSession(ctx, sid)
	switch {
	case err == nil:
		if !sess.Allows(who.ID()) {
			c.log.Info("join refused", "session_id", sid, "who", who.ID())
			c.replyError(origin, "", "Access denied: You are not a member of this chat.")
			return ErrAccessDenied
		}
	case errors.Is(err, chat.ErrSessionNotFound):
		sess = nil
	default:
		c.log.Warn("session lookup failed", "session_id", sid, "err", err)
		sess = nil
	}

	c.hub.JoinAs(sid, origin.Conn, who.ID())

	joined := SessionJoined{SessionID: sid, GuestID: origin.GuestID, Participants: []users.Profile{}}
	if sess != nil {
		joined.OwnerID = sess.OwnerID
		for _, member := range sess.Members() {
			p, _ := c.users.Profile(ctx, identity.FromID(member))
			joined.Participants = append(joined.Participants, p)
		}
	}
	c.reply(origin, broadcast.EventSessionJoined, joined)

	history := []HistoryItem{}
	if who.Authenticated() {
		turns, err := c.stores.For(who).RecentTurns(ctx, sid, c.cfg.HistoryPageSize)
		if err != nil {
			c.log.Warn("history load failed", "session_id", sid, "err", err)
		} else {
			history = c.historyItems(ctx, turns)
		}
	}
	c.reply(origin, broadcast.EventSessionHistory, history)
	return nil
}

// FetchOlder answers a history_chunk page older than req.BeforeID.
func (c *Coordinator) FetchOlder(ctx context.Context, origin Origin, req FetchHistory) error {
	sid := strings.TrimSpace(req.SessionID)
	if sid == "" || req.BeforeID == "" {
		c.replyError(origin, "", "Session ID and beforeId are required")
		return ErrMissingSession
	}
	chunk := HistoryChunk{SessionID: sid, Messages: []HistoryItem{}}

	who := origin.Identity()
	if !who.Authenticated() {
		c.reply(origin, broadcast.EventHistoryChunk, chunk)
		return nil
	}
	sess, _, err := c.stores.FindSession(ctx, sid)
	if err == nil && !sess.Allows(who.ID()) {
		c.replyError(origin, "", "Access denied: You are not a member of this chat.")
		return ErrAccessDenied
	}

	limit := req.Limit
	if limit <= 0 {
		limit = c.cfg.HistoryPageSize
	}
	turns, more, err := c.stores.For(who).TurnsBefore(ctx, sid, req.BeforeID, min(limit, 200))
	if err != nil {
		c.log.Warn("history page failed", "session_id", sid, "before", req.BeforeID, "err", err)
		c.reply(origin, broadcast.EventHistoryChunk, chunk)
		return err
	}
	chunk.Messages = c.historyItems(ctx, turns)
	chunk.HasMore = more
	c.reply(origin, broadcast.EventHistoryChunk, chunk)
	return nil
}

func (c *Coordinator) Leave(origin Origin, sessionID string) {
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" {
		c.hub.Leave(sessionID, origin.Conn.ID())
	}
}

// Disconnect drops the connection from every room. In-flight fan-outs
// it started keep running for the remaining members.
func (c *Coordinator) Disconnect(origin Origin) {
	c.hub.LeaveAll(origin.Conn.ID())
}

func (c *Coordinator) historyItems(ctx context.Context, turns []chat.Turn) []HistoryItem {
	profiles := map[string]*users.Profile{}
	out := make([]HistoryItem, 0, len(turns))
	for _, t := range turns {
		item := HistoryItem{
			ID:          t.MessageID,
			Role:        t.Role,
			Content:     t.Content,
			TokensUsed:  t.TokensUsed,
			AIResponses: []chat.ModelResponse(t.Responses),
			CreatedAt:   t.CreatedAt,
		}
		if item.AIResponses == nil {
			item.AIResponses = []chat.ModelResponse{}
		}
		if t.Role == chat.RoleUser && t.SenderID != "" {
			p, ok := profiles[t.SenderID]
			if !ok {
				if prof, err := c.users.Profile(ctx, identity.User{UserID: t.SenderID}); err == nil {
					p = &prof
				}
				profiles[t.SenderID] = p
			}
			item.Sender = p
		}
		out = append(out, item)
	}
	return out
}
