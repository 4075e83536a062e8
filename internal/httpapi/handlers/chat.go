package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/chat"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-relay/internal/identity"
	"github.com/suPer8Hu/ai-relay/internal/relay"
	"github.com/suPer8Hu/ai-relay/internal/usage"
	"github.com/suPer8Hu/ai-relay/internal/users"
)

const maxListedSessions = 50

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, _ := middleware.UserID(c)
	sessions, err := h.Stores.Durable.ListSessions(c.Request.Context(), uid, maxListedSessions)
	if err != nil {
		h.Log.Error("list sessions failed", "user_id", uid, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []chat.Session{}
	}
	common.OK(c, gin.H{"sessions": sessions})
}

// ListChatHistory pages backwards through a session. Without before_id it
// returns the newest page. Guests never receive stored history.
func (h *Handler) ListChatHistory(c *gin.Context) {
	sid := c.Param("session_id")
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = h.Cfg.HistoryPageSize
	}
	limit = min(limit, 200)
	beforeID := strings.TrimSpace(c.Query("before_id"))

	who := caller(c)
	if !who.Authenticated() {
		common.OK(c, gin.H{"messages": []chat.Turn{}, "hasMore": false})
		return
	}
	ctx := c.Request.Context()
	sess, _, err := h.Stores.FindSession(ctx, sid)
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		common.Fail(c, http.StatusNotFound, 40004, "session not found")
		return
	case err != nil:
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to load session")
		return
	case !sess.Allows(who.ID()):
		common.Fail(c, http.StatusForbidden, 40301, "not a member of this chat")
		return
	}

	store := h.Stores.Durable
	var (
		turns []chat.Turn
		more  bool
	)
	if beforeID == "" {
		turns, err = store.RecentTurns(ctx, sid, limit)
		if err == nil && len(turns) > 0 {
			var older []chat.Turn
			older, _, err = store.TurnsBefore(ctx, sid, turns[0].MessageID, 1)
			more = len(older) > 0
		}
	} else {
		turns, more, err = store.TurnsBefore(ctx, sid, beforeID, limit)
	}
	if err != nil {
		h.Log.Error("list history failed", "session_id", sid, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}
	if turns == nil {
		turns = []chat.Turn{}
	}

	resp := gin.H{"messages": turns, "hasMore": more}
	if more && len(turns) > 0 {
		resp["nextBeforeId"] = turns[0].MessageID
	}
	common.OK(c, resp)
}

// ownedSession loads the session named in the path and checks the caller
// owns it.
func (h *Handler) ownedSession(c *gin.Context) (*chat.Session, chat.Store, bool) {
	uid, _ := middleware.UserID(c)
	sess, store, err := h.Stores.FindSession(c.Request.Context(), c.Param("session_id"))
	if errors.Is(err, chat.ErrSessionNotFound) {
		common.Fail(c, http.StatusNotFound, 40004, "session not found")
		return nil, nil, false
	}
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to load session")
		return nil, nil, false
	}
	if sess.OwnerID != uid {
		common.Fail(c, http.StatusForbidden, 40302, "only the owner can change this chat")
		return nil, nil, false
	}
	return sess, store, true
}

type renameReq struct {
	Title string `json:"title"`
}

func (h *Handler) RenameChatSession(c *gin.Context) {
	var req renameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || len([]rune(title)) > 100 {
		common.Fail(c, http.StatusBadRequest, 10006, "title must be 1-100 characters")
		return
	}
	sess, store, okk := h.ownedSession(c)
	if !okk {
		return
	}
	if err := store.RenameSession(c.Request.Context(), sess.SessionID, title); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to rename session")
		return
	}
	common.OK(c, gin.H{"sessionId": sess.SessionID, "title": title})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	sess, store, okk := h.ownedSession(c)
	if !okk {
		return
	}
	if err := store.DeleteSession(c.Request.Context(), sess.SessionID); err != nil {
		h.Log.Error("delete session failed", "session_id", sess.SessionID, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to delete session")
		return
	}
	if h.Coordinator != nil {
		h.Coordinator.Notify(sess.SessionID, relay.SystemNotification{
			Type:    "session_deleted",
			Message: "This chat was deleted by its owner.",
		})
	}
	common.OK(c, gin.H{"sessionId": sess.SessionID, "deleted": true})
}

type participantReq struct {
	UserID string `json:"userId"`
}

func (h *Handler) AddParticipant(c *gin.Context) {
	var req participantReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "userId required")
		return
	}
	member := identity.User{UserID: strings.TrimSpace(req.UserID)}
	if h.Users != nil {
		if _, err := h.Users.Get(c.Request.Context(), member.UserID); errors.Is(err, users.ErrUserNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
	}
	sess, store, okk := h.ownedSession(c)
	if !okk {
		return
	}
	if err := store.AddParticipant(c.Request.Context(), sess.SessionID, member.UserID); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to add participant")
		return
	}

	var dir users.Directory = users.StaticDirectory{}
	if h.Users != nil {
		dir = h.Users
	}
	p, _ := dir.Profile(c.Request.Context(), member)
	if h.Coordinator != nil {
		h.Coordinator.Notify(sess.SessionID, relay.SystemNotification{
			Type:    "member_joined",
			Message: fmt.Sprintf("%s joined the conversation.", p.Name),
			Member:  map[string]any{"id": p.ID, "name": p.Name, "avatar": p.Avatar},
		})
	}
	common.OK(c, gin.H{"sessionId": sess.SessionID, "participant": p})
}

type completeReq struct {
	Message string `json:"message"`
	ModelID string `json:"modelId"`
}

// Complete answers one prompt with one model, without streaming or
// persistence.
func (h *Handler) Complete(c *gin.Context) {
	var req completeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
		return
	}
	modelID := strings.TrimSpace(req.ModelID)
	if modelID == "" {
		if defs := h.Catalog.Defaults(); len(defs) > 0 {
			modelID = defs[0]
		}
	}
	provider, upstream, err := h.Models.Resolve(modelID)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10007, err.Error())
		return
	}

	ctx := c.Request.Context()
	out, err := provider.Chat(ctx, ai.Request{
		Model:       upstream,
		Messages:    []ai.Message{{Role: ai.RoleUser, Content: req.Message}},
		MaxTokens:   h.Cfg.LLMMaxTokens,
		Temperature: h.Cfg.LLMTemperature,
	})
	if err != nil {
		var se *ai.StatusError
		if errors.As(err, &se) {
			common.Fail(c, http.StatusBadGateway, 50201, se.Error())
			return
		}
		h.Log.Warn("completion failed", "model", modelID, "err", err)
		common.Fail(c, http.StatusBadGateway, 50202, "model request failed")
		return
	}

	tokens := 0
	if out.Usage != nil {
		tokens = out.Usage.TotalTokens
	}
	if tokens <= 0 {
		tokens = usage.EstimateTokens(req.Message) + usage.EstimateTokens(out.Content)
	}
	who := caller(c)
	if err := h.Usage.AddTokens(ctx, who, tokens); err != nil {
		h.Log.Warn("usage update failed", "who", who.ID(), "err", err)
	}
	common.OK(c, gin.H{
		"modelId":    modelID,
		"modelName":  ai.ModelName(modelID),
		"response":   out.Content,
		"tokensUsed": tokens,
	})
}

func (h *Handler) GetUsage(c *gin.Context) {
	who := caller(c)
	n, err := h.Usage.Tokens(c.Request.Context(), who)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50006, "failed to read usage")
		return
	}
	common.OK(c, gin.H{
		"kind":            usage.KindOf(who),
		"id":              who.ID(),
		"totalTokensUsed": n,
	})
}
