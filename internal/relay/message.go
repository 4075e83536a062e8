package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

type IncomingMessage struct {
	SessionID string   `json:"sessionId"`
	Message   string   `json:"message"`
	ModelIDs  []string `json:"modelIds"`
	UserID    string   `json:"userId"`
	GuestID   string   `json:"guestId"`
}

// UserMessage is relayed to the other members of the room.
type UserMessage struct {
	ID        string        `json:"id"`
	Role      chat.Role     `json:"role"`
	Content   string        `json:"content"`
	UserID    string        `json:"userId,omitempty"`
	GuestID   string        `json:"guestId,omitempty"`
	Sender    users.Profile `json:"sender"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Outcome summarises one handled message.
type Outcome struct {
	MessageID  string
	ResponseID string
	Responses  []chat.ModelResponse
	Failed     map[string]error
	Persisted  bool
}

type modelResult struct {
	modelID string
	content string
	tokens  int
	at      time.Time
	err     error
}

// HandleIncomingMessage runs one prompt through every selected model.
// Model failures are isolated and reported as model_error events; a
// storage failure is reported to the origin but never stops streaming.
// The fan-out outlives ctx: it is bounded by the model timeout only.
func (c *Coordinator) HandleIncomingMessage(ctx context.Context, origin Origin, msg IncomingMessage) (*Outcome, error) {
	sid := strings.TrimSpace(msg.SessionID)
	if sid == "" {
		c.replyError(origin, "", "Session ID and message are required")
		return nil, ErrMissingSession
	}
	if strings.TrimSpace(msg.Message) == "" {
		c.replyError(origin, "", "Session ID and message are required")
		return nil, ErrEmptyMessage
	}
	if !c.hub.InRoom(sid, origin.Conn.ID()) {
		c.replyError(origin, "", "Join the session before sending messages")
		return nil, ErrNotJoined
	}
	if !c.begin() {
		c.replyError(origin, "", "Server is shutting down, try again shortly")
		return nil, ErrShuttingDown
	}
	defer c.inflight.Done()

	ctx = context.WithoutCancel(ctx)
	sender := c.sender(origin, msg)
	existed, err := c.authorize(ctx, sid, sender)
	if err != nil {
		c.replyError(origin, "", "Access denied: You are not a member of this chat.")
		return nil, err
	}

	store := c.stores.For(sender)
	messageID, err := common.NewULID()
	if err != nil {
		return nil, fmt.Errorf("mint message id: %w", err)
	}
	promptTokens := usage.EstimateTokens(msg.Message)
	now := c.now()

	c.saveUserTurn(ctx, origin, store, sender, &chat.Turn{
		MessageID:  messageID,
		SessionID:  sid,
		SenderID:   sender.ID(),
		Role:       chat.RoleUser,
		Content:    msg.Message,
		TokensUsed: promptTokens,
		CreatedAt:  now,
	})
	if !existed {
		c.evictStrangers(ctx, sid)
	}

	profile, err := c.users.Profile(ctx, sender)
	if err != nil {
		c.log.Debug("sender profile lookup failed", "sender", sender.ID(), "err", err)
	}
	um := UserMessage{
		ID: messageID, Role: chat.RoleUser, Content: msg.Message,
		Sender: profile, CreatedAt: now,
	}
	if sender.Authenticated() {
		um.UserID = sender.ID()
	} else {
		um.GuestID = sender.ID()
	}
	c.hub.Broadcast(sid, broadcast.NewEvent(broadcast.EventUserMessage, um), origin.Conn.ID())

	history := c.builder.Build(ctx, sender, chat.Query{SessionID: sid, Prompt: msg.Message, PendingMessageID: messageID})

	responseID, err := common.NewULID()
	if err != nil {
		return nil, fmt.Errorf("mint response id: %w", err)
	}
	models := c.selectModels(msg.ModelIDs)
	refs := make([]broadcast.ModelRef, len(models))
	for i, id := range models {
		refs[i] = broadcast.ModelRef{ID: id, Name: ai.ModelName(id)}
	}
	c.hub.Broadcast(sid, broadcast.NewEvent(broadcast.EventStreamingStarted, broadcast.StreamingStarted{
		SessionID: sid, MessageID: responseID, Models: refs,
	}), "")

	results := c.fanOut(ctx, sid, responseID, models, history)

	out := &Outcome{MessageID: messageID, ResponseID: responseID, Failed: map[string]error{}}
	total := 0
	for _, r := range results {
		if r.err != nil {
			out.Failed[r.modelID] = r.err
			continue
		}
		out.Responses = append(out.Responses, chat.ModelResponse{
			ModelID: r.modelID, Content: r.content, TokensUsed: r.tokens, CreatedAt: r.at,
		})
		total += r.tokens
	}

	err = store.UpsertAITurn(ctx, &chat.Turn{
		MessageID:  responseID,
		SessionID:  sid,
		SenderID:   sender.ID(),
		Role:       chat.RoleAI,
		Responses:  out.Responses,
		TokensUsed: total,
		CreatedAt:  c.now(),
	})
	if err != nil {
		c.log.Error("save ai turn failed", "session_id", sid, "response_id", responseID, "err", err)
		c.replyError(origin, "save_error", "Failed to save AI response")
	} else {
		out.Persisted = true
	}

	spent := promptTokens + total
	c.detach.Go(ctx, "session_tokens", func(ctx context.Context) error {
		return store.AddSessionTokens(ctx, sid, spent)
	})
	c.detach.Go(ctx, "usage", func(ctx context.Context) error {
		return c.usage.AddTokens(ctx, sender, spent)
	})

	c.hub.Broadcast(sid, broadcast.NewEvent(broadcast.EventAllResponsesComplete, broadcast.AllComplete{
		SessionID: sid, ModelsCompleted: len(out.Responses),
	}), "")

	c.log.Info("message handled",
		"session_id", sid, "message_id", messageID, "models", len(models),
		"completed", len(out.Responses), "tokens", spent, "store", store.Kind())
	return out, nil
}

func (c *Coordinator) sender(origin Origin, msg IncomingMessage) identity.Identity {
	uid := msg.UserID
	if uid == "" {
		uid = origin.UserID
	}
	gid := msg.GuestID
	if gid == "" {
		gid = origin.GuestID
	}
	return identity.Resolve(uid, gid)
}

// authorize rejects senders who are not members of an existing session
// and reports whether the session existed. A lookup failure lets the
// message through: membership was already checked when the connection
// joined the room.
func (c *Coordinator) authorize(ctx context.Context, sid string, who identity.Identity) (bool, error) {
	sess, _, err := c.stores.FindSession(ctx, sid)
	if errors.Is(err, chat.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		c.log.Warn("session lookup failed", "session_id", sid, "err", err)
		return true, nil
	}
	if !sess.Allows(who.ID()) {
		return true, ErrAccessDenied
	}
	return true, nil
}

// evictStrangers drops room members that joined before the session
// existed and are not allowed in now that it has an owner.
func (c *Coordinator) evictStrangers(ctx context.Context, sid string) {
	sess, _, err := c.stores.FindSession(ctx, sid)
	if err != nil {
		return
	}
	for _, conn := range c.hub.Evict(sid, sess.Allows) {
		c.log.Info("evicted from new session", "session_id", sid, "conn_id", conn.ID())
		c.reply(Origin{Conn: conn}, broadcast.EventError, broadcast.ErrorPayload{
			Message: "Access denied: You are not a member of this chat.",
		})
	}
}

func (c *Coordinator) saveUserTurn(ctx context.Context, origin Origin, store chat.Store, sender identity.Identity, t *chat.Turn) {
	if err := store.InsertUserTurn(ctx, t); err != nil {
		c.log.Error("save user turn failed", "session_id", t.SessionID, "message_id", t.MessageID, "err", err)
		c.reply(origin, broadcast.EventMessageSaved, broadcast.MessageSaved{ID: t.MessageID, Stored: "failed", Error: err.Error()})
		return
	}

	touch := chat.SessionTouch{SessionID: t.SessionID, OwnerID: sender.ID(), At: t.CreatedAt}
	if n, err := store.CountUserTurns(ctx, t.SessionID); err == nil && n <= 1 {
		touch.Title = chat.TitleFrom(t.Content)
	}
	if err := store.TouchSession(ctx, touch); err != nil {
		c.log.Warn("session update failed", "session_id", t.SessionID, "err", err)
	}
	c.reply(origin, broadcast.EventMessageSaved, broadcast.MessageSaved{ID: t.MessageID, Stored: store.Kind()})
}

// fanOut streams every model concurrently. Results keep the order of
// models regardless of completion order.
func (c *Coordinator) fanOut(ctx context.Context, sid, responseID string, models []string, history []ai.Message) []modelResult {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.ModelTimeout)
	defer cancel()

	results := make([]modelResult, len(models))
	var wg sync.WaitGroup
	wg.Add(len(models))
	for i, modelID := range models {
		go func() {
			defer wg.Done()
			results[i] = c.runModel(tctx, sid, responseID, modelID, history)
		}()
	}
	wg.Wait()
	return results
}

func (c *Coordinator) runModel(ctx context.Context, sid, responseID, modelID string, history []ai.Message) (res modelResult) {
	name := ai.ModelName(modelID)
	res.modelID = modelID
	defer func() {
		if r := recover(); r != nil {
			res = c.modelFailed(sid, modelID, name, fmt.Errorf("model task panicked: %v", r))
		}
	}()

	c.hub.Broadcast(sid, broadcast.NewEvent(broadcast.EventModelStreamingStart, broadcast.ModelStart{
		SessionID: sid, ModelID: modelID, ModelName: name,
	}), "")

	provider, upstream, err := c.models.Resolve(modelID)
	if err != nil {
		return c.modelFailed(sid, modelID, name, err)
	}

	chunks := 0
	full, err := ai.Invoke(ctx, provider, ai.Request{
		Model:       upstream,
		Messages:    history,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}, func(delta, full string) {
		chunks++
		c.hub.Broadcast(sid, broadcast.NewEvent(broadcast.EventMessageChunk, broadcast.MessageChunk{
			SessionID: sid, ModelID: modelID, ModelName: name,
			Chunk: delta, FullContent: full, ChunkIndex: chunks,
		}), "")
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("model timed out after %s", c.cfg.ModelTimeout)
		}
		return c.modelFailed(sid, modelID, name, err)
	}

	tokens := usage.EstimateTokens(full)
	c.hub.Broadcast(sid, broadcast.NewEvent(broadcast.EventModelStreamingDone, broadcast.ModelComplete{
		SessionID: sid, ModelID: modelID, ModelName: name,
		ID: responseID, Content: full, TokensUsed: tokens, ChunkCount: chunks,
	}), "")
	return modelResult{modelID: modelID, content: full, tokens: tokens, at: c.now()}
}

func (c *Coordinator) modelFailed(sid, modelID, name string, err error) modelResult {
	c.log.Warn("model failed", "session_id", sid, "model", modelID, "err", err)
	c.hub.Broadcast(sid, broadcast.NewEvent(broadcast.EventModelError, broadcast.ModelError{
		SessionID: sid, ModelID: modelID, ModelName: name, Error: err.Error(),
	}), "")
	return modelResult{modelID: modelID, err: err}
}
