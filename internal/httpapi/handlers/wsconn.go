package handlers

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/ai-relay/internal/broadcast"
)

const (
	sendBuffer  = 256
	sendTimeout = 5 * time.Second
	pingEvery   = 30 * time.Second
	pongWait    = 60 * time.Second
	writeWait   = 5 * time.Second
	maxFrame    = 64 << 10
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("slow consumer")
)

// wsConn is one client socket. Events are queued on send and written by a
// single writer goroutine, so the order of Send calls from one goroutine
// is the order on the wire. Send never blocks: once send is full, events
// wait in an overflow list that a drain goroutine feeds into send. A
// client whose overflow makes no progress for sendTimeout, or grows past
// sendBuffer, is disconnected instead of losing events.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan broadcast.Event
	done chan struct{}
	once sync.Once
	log  *slog.Logger

	mu       sync.Mutex
	overflow []broadcast.Event
	draining bool

	sendTimeout time.Duration
}

func newWSConn(ws *websocket.Conn, log *slog.Logger) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:   id,
		ws:   ws,
		send: make(chan broadcast.Event, sendBuffer),
		done: make(chan struct{}),
		log:  log.With("conn_id", id),

		sendTimeout: sendTimeout,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ev broadcast.Event) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	c.mu.Lock()
	if len(c.overflow) == 0 {
		select {
		case c.send <- ev:
			c.mu.Unlock()
			return nil
		default:
		}
	}
	if len(c.overflow) >= sendBuffer {
		c.mu.Unlock()
		c.log.Warn("disconnecting slow consumer", "event", ev.Name, "queued", len(c.send)+sendBuffer)
		c.close()
		return errSlowConsumer
	}
	c.overflow = append(c.overflow, ev)
	if !c.draining {
		c.draining = true
		go c.drain()
	}
	c.mu.Unlock()
	return nil
}

// drain moves overflowed events into send in order. Every event accepted
// by send restarts the sendTimeout clock.
func (c *wsConn) drain() {
	t := time.NewTimer(c.sendTimeout)
	defer t.Stop()
	for {
		c.mu.Lock()
		if len(c.overflow) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		ev := c.overflow[0]
		c.mu.Unlock()

		select {
		case c.send <- ev:
			c.mu.Lock()
			c.overflow = c.overflow[1:]
			c.mu.Unlock()
			t.Reset(c.sendTimeout)
		case <-c.done:
			return
		case <-t.C:
			c.log.Warn("disconnecting slow consumer", "event", ev.Name, "queued", len(c.send))
			c.close()
			return
		}
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.log.Debug("write failed", "event", ev.Name, "err", err)
				return
			}
		}
	}
}
