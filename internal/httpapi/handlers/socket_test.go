package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ai-relay/internal/broadcast"
)

func TestLeaveTarget(t *testing.T) {
	assert.Equal(t, "s1", leaveTarget(json.RawMessage(`"s1"`)))
	assert.Equal(t, "s2", leaveTarget(json.RawMessage(`{"sessionId":"s2"}`)))
	assert.Empty(t, leaveTarget(json.RawMessage(`42`)))
	assert.Empty(t, leaveTarget(nil))
}

func TestIsGuestID(t *testing.T) {
	assert.True(t, isGuestID("guest_0123456789abcdef"))
	assert.False(t, isGuestID("user-1"))
	assert.False(t, isGuestID("guest_"+strings.Repeat("x", 80)))
}

// serverConn returns the server side of a fresh websocket pair.
func serverConn(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _ := wsPair(t)
	return ws
}

func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	got := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		got <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case ws := <-got:
		return ws, client
	case <-time.After(2 * time.Second):
		t.Fatal("no server connection")
		return nil, nil
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	conn := newWSConn(serverConn(t), slog.Default())
	conn.sendTimeout = 20 * time.Millisecond

	// no writer: the queue only fills
	for range sendBuffer {
		require.NoError(t, conn.Send(broadcast.NewEvent(broadcast.EventMessageChunk, nil)))
	}
	start := time.Now()
	require.NoError(t, conn.Send(broadcast.NewEvent(broadcast.EventMessageChunk, nil)))
	assert.Less(t, time.Since(start), conn.sendTimeout)

	require.Eventually(t, func() bool {
		select {
		case <-conn.done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, conn.Send(broadcast.NewEvent(broadcast.EventError, nil)), errConnClosed)
}

func TestSendNeverBlocksOnFullQueue(t *testing.T) {
	conn := newWSConn(serverConn(t), slog.Default())
	conn.sendTimeout = time.Hour

	start := time.Now()
	for range 2 * sendBuffer {
		require.NoError(t, conn.Send(broadcast.NewEvent(broadcast.EventMessageChunk, nil)))
	}
	err := conn.Send(broadcast.NewEvent(broadcast.EventMessageChunk, nil))
	assert.ErrorIs(t, err, errSlowConsumer)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, conn.Send(broadcast.NewEvent(broadcast.EventError, nil)), errConnClosed)
}

func TestOverflowDrainsInOrder(t *testing.T) {
	server, client := wsPair(t)
	conn := newWSConn(server, slog.Default())
	defer conn.close()

	total := sendBuffer + 40
	for i := range total {
		require.NoError(t, conn.Send(broadcast.NewEvent(broadcast.EventMessageChunk, broadcast.MessageChunk{ChunkIndex: i + 1})))
	}
	go conn.writeLoop()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	for i := range total {
		var ev struct {
			Data broadcast.MessageChunk `json:"data"`
		}
		require.NoError(t, client.ReadJSON(&ev))
		require.Equal(t, i+1, ev.Data.ChunkIndex)
	}
}

func TestWriteLoopDeliversInOrder(t *testing.T) {
	got := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		got <- ws
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	conn := newWSConn(<-got, slog.Default())
	go conn.writeLoop()
	defer conn.close()

	for i := range 20 {
		require.NoError(t, conn.Send(broadcast.NewEvent(broadcast.EventMessageChunk, broadcast.MessageChunk{ChunkIndex: i + 1})))
	}
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	for i := range 20 {
		var ev struct {
			Event string                 `json:"event"`
			Data  broadcast.MessageChunk `json:"data"`
		}
		require.NoError(t, client.ReadJSON(&ev))
		assert.Equal(t, broadcast.EventMessageChunk, ev.Event)
		assert.Equal(t, i+1, ev.Data.ChunkIndex)
	}
}
