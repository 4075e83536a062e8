package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/auth"
	"github.com/suPer8Hu/ai-relay/internal/broadcast"
	"github.com/suPer8Hu/ai-relay/internal/chat"
	"github.com/suPer8Hu/ai-relay/internal/config"
	"github.com/suPer8Hu/ai-relay/internal/db"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-relay/internal/relay"
	"github.com/suPer8Hu/ai-relay/internal/usage"
	"github.com/suPer8Hu/ai-relay/internal/users"
)

const testSecret = "router-test-secret"

type testEnv struct {
	srv    *httptest.Server
	stores chat.Stores
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.Connect(context.Background(), "sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	require.NoError(t, db.Migrate(gdb))

	cfg, err := config.LoadFrom(map[string]string{"JWT_SECRET": testSecret, "MOCK_MODE": "true"})
	require.NoError(t, err)

	stores := chat.Stores{Durable: chat.NewRepo(gdb), Ephemeral: chat.NewMemoryStore()}
	reg := ai.NewRegistry()
	reg.Register("mock", &ai.MockProvider{})
	reg.SetDefault("mock")
	userRepo := users.NewRepo(gdb)
	counter := usage.NewMemoryCounter()
	hub := broadcast.NewHub(nil)

	coord := relay.New(relay.Deps{
		Stores:  stores,
		Context: chat.NewContextBuilder(stores, cfg.ChatContextWindowSize, nil, nil),
		Models:  reg,
		Hub:     hub,
		Users:   userRepo,
		Usage:   counter,
	}, relay.Config{DefaultModels: []string{"org/Default"}, ModelTimeout: 5 * time.Second})

	r := NewRouter(handlers.Deps{
		Cfg:         cfg,
		Users:       userRepo,
		Stores:      stores,
		Coordinator: coord,
		Models:      reg,
		Usage:       counter,
		Checks:      map[string]handlers.Checker{"db": func(ctx context.Context) error { return gdb.WithContext(ctx).Exec("SELECT 1").Error }},
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, stores: stores}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func token(t *testing.T, userID string) string {
	tok, err := auth.SignJWT(userID, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestHealthModelsAndNoRoute(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"db":"ok"`)

	code, env = e.do(t, http.MethodGet, "/api/models", "", nil)
	assert.Equal(t, http.StatusOK, code)
	var models struct {
		Models   []ai.ModelInfo `json:"models"`
		Defaults []string       `json:"defaults"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &models))
	assert.Len(t, models.Models, 3)
	assert.Len(t, models.Defaults, 3)

	code, env = e.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40400, env.Code)
}

func TestRegisterLoginMe(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.do(t, http.MethodPost, "/api/users", "", gin.H{"email": "Ada@Example.com", "name": "Ada Lovelace", "password": "analytical"})
	require.Equal(t, http.StatusOK, code, env.Message)
	var created struct {
		ID     string `json:"id"`
		Avatar string `json:"avatar"`
		Token  string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "AL", created.Avatar)
	assert.NotEmpty(t, created.Token)

	code, _ = e.do(t, http.MethodPost, "/api/users", "", gin.H{"email": "ada@example.com", "password": "analytical"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, http.MethodPost, "/api/login", "", gin.H{"email": "ada@example.com", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env = e.do(t, http.MethodPost, "/api/login", "", gin.H{"email": "ada@example.com", "password": "analytical"})
	require.Equal(t, http.StatusOK, code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &login))

	code, env = e.do(t, http.MethodGet, "/api/me", login.Token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), created.ID)
	assert.NotContains(t, string(env.Data), "analytical")

	code, _ = e.do(t, http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestSessionLifecycleOverREST(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	store := e.stores.Durable
	require.NoError(t, store.TouchSession(ctx, chat.SessionTouch{SessionID: "s1", OwnerID: "u1", Title: "first"}))
	for i := range 5 {
		require.NoError(t, store.InsertUserTurn(ctx, &chat.Turn{
			MessageID: fmt.Sprintf("01J00000000000000000000%03d", i),
			SessionID: "s1", SenderID: "u1", Role: chat.RoleUser, Content: fmt.Sprintf("p%d", i),
		}))
	}
	owner, stranger := token(t, "u1"), token(t, "u2")

	code, env := e.do(t, http.MethodGet, "/api/chat/sessions", owner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"sessionId":"s1"`)

	// newest page, then the one before it
	code, env = e.do(t, http.MethodGet, "/api/chat/history/s1?limit=3", owner, nil)
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Messages     []chat.Turn `json:"messages"`
		HasMore      bool        `json:"hasMore"`
		NextBeforeID string      `json:"nextBeforeId"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Messages, 3)
	assert.Equal(t, "p2", page.Messages[0].Content)
	assert.True(t, page.HasMore)

	code, env = e.do(t, http.MethodGet, "/api/chat/history/s1?limit=3&before_id="+page.NextBeforeID, owner, nil)
	require.Equal(t, http.StatusOK, code)
	page.Messages, page.HasMore = nil, true
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "p0", page.Messages[0].Content)
	assert.False(t, page.HasMore)

	code, _ = e.do(t, http.MethodGet, "/api/chat/history/s1", stranger, nil)
	assert.Equal(t, http.StatusForbidden, code)

	// guests never see stored history
	code, env = e.do(t, http.MethodGet, "/api/chat/history/s1", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"messages":[]`)

	code, _ = e.do(t, http.MethodPatch, "/api/chat/sessions/s1", stranger, gin.H{"title": "mine now"})
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = e.do(t, http.MethodPatch, "/api/chat/sessions/s1", owner, gin.H{"title": "  "})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, http.MethodPatch, "/api/chat/sessions/s1", owner, gin.H{"title": "Renamed"})
	require.Equal(t, http.StatusOK, code)
	sess, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", sess.Title)

	code, _ = e.do(t, http.MethodPost, "/api/chat/sessions/s1/participants", owner, gin.H{"userId": "missing-user"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodDelete, "/api/chat/sessions/s1", owner, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodGet, "/api/chat/history/s1", owner, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCompleteAndUsage(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.do(t, http.MethodPost, "/api/chat?guest_id=guest_0123456789abcdef", "", gin.H{"message": "Explain recursion", "modelId": "org/Solo"})
	require.Equal(t, http.StatusOK, code, env.Message)
	var out struct {
		Response   string `json:"response"`
		ModelName  string `json:"modelName"`
		TokensUsed int    `json:"tokensUsed"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, ai.MockResponse("org/Solo", "Explain recursion"), out.Response)
	assert.Equal(t, "Solo", out.ModelName)
	assert.Positive(t, out.TokensUsed)

	code, env = e.do(t, http.MethodGet, "/api/usage?guest_id=guest_0123456789abcdef", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), fmt.Sprintf(`"totalTokensUsed":%d`, out.TokensUsed))
	assert.Contains(t, string(env.Data), `"kind":"guest"`)

	code, _ = e.do(t, http.MethodPost, "/api/chat", "", gin.H{"message": " "})
	assert.Equal(t, http.StatusBadRequest, code)
}

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dial(t *testing.T, e *testEnv, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func emit(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(gin.H{"event": event, "data": data}))
}

// readUntil collects events up to and including the first named one.
func readUntil(t *testing.T, ws *websocket.Conn, name string) []wireEvent {
	t.Helper()
	var out []wireEvent
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev wireEvent
		require.NoError(t, ws.ReadJSON(&ev))
		out = append(out, ev)
		if ev.Event == name {
			return out
		}
	}
}

func TestSocketFanOut(t *testing.T) {
	e := newTestEnv(t)
	a := dial(t, e, "")
	b := dial(t, e, "")

	emit(t, a, "join_session", gin.H{"sessionId": "room", "userId": "u1"})
	readUntil(t, a, broadcast.EventSessionHistory)
	emit(t, b, "join_session", gin.H{"sessionId": "room", "userId": "u1"})
	readUntil(t, b, broadcast.EventSessionHistory)

	emit(t, a, "message", gin.H{"sessionId": "room", "message": "Explain recursion", "modelIds": []string{"org/A", "org/B"}})

	for _, ws := range []*websocket.Conn{a, b} {
		events := readUntil(t, ws, broadcast.EventAllResponsesComplete)

		full := map[string]string{}
		final := map[string]string{}
		for _, ev := range events {
			switch ev.Event {
			case broadcast.EventMessageChunk:
				var ch broadcast.MessageChunk
				require.NoError(t, json.Unmarshal(ev.Data, &ch))
				full[ch.ModelID] += ch.Chunk
				assert.Equal(t, full[ch.ModelID], ch.FullContent)
			case broadcast.EventModelStreamingDone:
				var done broadcast.ModelComplete
				require.NoError(t, json.Unmarshal(ev.Data, &done))
				final[done.ModelID] = done.Content
			}
		}
		require.Len(t, final, 2)
		for model, content := range final {
			assert.Equal(t, content, full[model])
			assert.Equal(t, ai.MockResponse(model, "Explain recursion"), content)
		}
		assert.NotEqual(t, final["org/A"], final["org/B"])

		var all broadcast.AllComplete
		require.NoError(t, json.Unmarshal(events[len(events)-1].Data, &all))
		assert.Equal(t, 2, all.ModelsCompleted)
	}

	turns, err := e.stores.Durable.RecentTurns(context.Background(), "room", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Len(t, turns[1].Responses, 2)
}

func TestSocketVerifiedTokenOverridesPayload(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.stores.Durable.TouchSession(context.Background(), chat.SessionTouch{SessionID: "private", OwnerID: "owner"}))

	ws := dial(t, e, "?token="+token(t, "intruder"))
	emit(t, ws, "join_session", gin.H{"sessionId": "private", "userId": "owner"})
	events := readUntil(t, ws, broadcast.EventError)
	assert.Contains(t, string(events[len(events)-1].Data), "Access denied")

	ws2 := dial(t, e, "?token="+token(t, "owner"))
	emit(t, ws2, "join_session", gin.H{"sessionId": "private"})
	events = readUntil(t, ws2, broadcast.EventSessionJoined)
	assert.Contains(t, string(events[len(events)-1].Data), `"ownerId":"owner"`)
}

func TestSocketRejectsGarbage(t *testing.T) {
	e := newTestEnv(t)
	ws := dial(t, e, "")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	events := readUntil(t, ws, broadcast.EventError)
	assert.Contains(t, string(events[0].Data), "invalid event payload")

	emit(t, ws, "dance", gin.H{})
	events = readUntil(t, ws, broadcast.EventError)
	assert.Contains(t, string(events[0].Data), "unknown event")

	// messages before joining are refused
	emit(t, ws, "message", gin.H{"sessionId": "s", "message": "hi"})
	events = readUntil(t, ws, broadcast.EventError)
	assert.Contains(t, string(events[0].Data), "Join the session")
}
