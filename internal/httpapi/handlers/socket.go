package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/ai-relay/internal/broadcast"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-relay/internal/relay"
)

// Inbound socket events.
const (
	evJoinSession  = "join_session"
	evMessage      = "message"
	evFetchHistory = "fetch_history"
	evTypingStart  = "typing_start"
	evTypingStop   = "typing_stop"
	evInputChange  = "input_change"
	evLeaveSession = "leave_session"
	evMemberAdded  = "member_added"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type joinReq struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	GuestID   string `json:"guestId"`
}

// socketSession is the per-connection state behind one websocket.
type socketSession struct {
	h    *Handler
	conn *wsConn
	// verified comes from a JWT presented at upgrade time and cannot be
	// overridden by payloads.
	verified string
	claimed  string
	guestID  string
}

// ServeWS upgrades the request and serves socket events until the client
// goes away. Fan-outs the client started keep running after it leaves.
func (h *Handler) ServeWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Debug("websocket upgrade failed", "err", err)
		return
	}
	conn := newWSConn(ws, h.Log)
	verified, _ := middleware.UserID(c)
	s := &socketSession{h: h, conn: conn, verified: verified, guestID: common.NewGuestID()}
	if gid := c.Query("guest_id"); isGuestID(gid) {
		s.guestID = gid
	}

	conn.log.Info("socket connected", "user_id", verified, "remote", c.ClientIP())
	go conn.writeLoop()
	s.readLoop(context.WithoutCancel(c.Request.Context()))

	conn.close()
	h.Coordinator.Disconnect(relay.Origin{Conn: conn})
	conn.log.Info("socket disconnected")
}

func isGuestID(id string) bool { return strings.HasPrefix(id, "guest_") && len(id) <= 64 }

func (s *socketSession) readLoop(ctx context.Context) {
	ws := s.conn.ws
	ws.SetReadLimit(maxFrame)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.conn.log.Debug("socket read failed", "err", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var in inbound
		if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
			s.fail("invalid event payload")
			continue
		}
		s.dispatch(ctx, in)
	}
}

func (s *socketSession) fail(msg string) {
	_ = s.conn.Send(broadcast.NewEvent(broadcast.EventError, broadcast.ErrorPayload{Message: msg}))
}

// origin resolves who is speaking: a verified user always wins; payload
// user ids count only when the server trusts clients.
func (s *socketSession) origin(userID, guestID string) relay.Origin {
	uid := s.verified
	if uid == "" && s.h.Cfg.TrustClientIdentity {
		if userID != "" {
			s.claimed = userID
		}
		uid = s.claimed
	}
	if isGuestID(guestID) {
		s.guestID = guestID
	}
	return relay.Origin{Conn: s.conn, UserID: uid, GuestID: s.guestID}
}

func decode[T any](s *socketSession, data json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		s.fail("invalid event payload")
		return v, false
	}
	return v, true
}

func (s *socketSession) dispatch(ctx context.Context, in inbound) {
	coord := s.h.Coordinator
	switch in.Event {
	case evJoinSession:
		req, ok := decode[joinReq](s, in.Data)
		if !ok {
			return
		}
		_ = coord.JoinSession(ctx, s.origin(req.UserID, req.GuestID), req.SessionID)

	case evMessage:
		msg, ok := decode[relay.IncomingMessage](s, in.Data)
		if !ok {
			return
		}
		o := s.origin(msg.UserID, msg.GuestID)
		msg.UserID, msg.GuestID = o.UserID, o.GuestID
		go func() {
			if _, err := coord.HandleIncomingMessage(ctx, o, msg); err != nil && !isClientError(err) {
				s.conn.log.Error("message failed", "session_id", msg.SessionID, "err", err)
			}
		}()

	case evFetchHistory:
		req, ok := decode[relay.FetchHistory](s, in.Data)
		if !ok {
			return
		}
		_ = coord.FetchOlder(ctx, s.origin("", ""), req)

	case evTypingStart, evTypingStop:
		t, ok := decode[relay.Typing](s, in.Data)
		if !ok {
			return
		}
		coord.Typing(s.origin("", ""), t, in.Event == evTypingStart)

	case evInputChange:
		ic, ok := decode[relay.InputChange](s, in.Data)
		if !ok {
			return
		}
		coord.InputChanged(s.origin("", ""), ic)

	case evLeaveSession:
		coord.Leave(s.origin("", ""), leaveTarget(in.Data))

	case evMemberAdded:
		m, ok := decode[relay.MemberAdded](s, in.Data)
		if !ok {
			return
		}
		coord.MemberAdded(s.origin("", ""), m)

	default:
		s.fail("unknown event: " + in.Event)
	}
}

// leaveTarget accepts either a bare session id or {"sessionId": ...}.
func leaveTarget(data json.RawMessage) string {
	var sid string
	if err := json.Unmarshal(data, &sid); err == nil {
		return sid
	}
	var obj struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(data, &obj)
	return obj.SessionID
}

func isClientError(err error) bool {
	return errors.Is(err, relay.ErrAccessDenied) ||
		errors.Is(err, relay.ErrMissingSession) ||
		errors.Is(err, relay.ErrEmptyMessage) ||
		errors.Is(err, relay.ErrNotJoined) ||
		errors.Is(err, relay.ErrShuttingDown)
}
