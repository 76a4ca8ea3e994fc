// Package push fans relay events out to connected WebSocket clients and
// tracks which conversation each client is looking at.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/warelay/warelay/internal/bus"
	"go.uber.org/zap"
)

// Envelope is the JSON frame pushed to clients. Payload carries the bus
// event's payload as-is.
type Envelope struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// clientFrame is what clients may send upstream. "focus" marks the
// conversation the client is viewing (empty chat clears it).
type clientFrame struct {
	Type string `json:"type"`
	Chat string `json:"chat,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub broadcasts bus events to every connected client. Delivery is best
// effort: a client that cannot keep up has frames dropped, never blocking
// ingestion.
type Hub struct {
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn    *websocket.Conn
	out     chan []byte
	focused string
	mu      sync.Mutex
}

func NewHub(b *bus.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		bus:     b,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Start subscribes to the message and chat event namespaces and begins
// forwarding.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})

	msgCh, msgUnsub := h.bus.Subscribe("message.", 256)
	chatCh, chatUnsub := h.bus.Subscribe("chat.", 64)
	daemonCh, daemonUnsub := h.bus.Subscribe("daemon.", 16)

	go func() {
		defer close(h.done)
		defer msgUnsub()
		defer chatUnsub()
		defer daemonUnsub()
		for {
			select {
			case evt := <-msgCh:
				h.Broadcast(evt)
			case evt := <-chatCh:
				h.Broadcast(evt)
			case evt := <-daemonCh:
				h.Broadcast(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop disconnects every client and stops forwarding.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

// IsFocused reports whether any connected client is viewing the contact's
// conversation. Satisfies the ingestion gateway's focus check.
func (h *Hub) IsFocused(contactIdentity string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.Lock()
		focused := c.focused
		c.mu.Unlock()
		if focused != "" && focused == contactIdentity {
			return true
		}
	}
	return false
}

// Broadcast pushes one event to every connected client.
func (h *Hub) Broadcast(evt bus.Event) {
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      evt.Kind,
		Timestamp: evt.Timestamp.Unix(),
		Payload:   evt.Payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("push envelope marshal failed", zap.String("kind", evt.Kind), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.out <- data:
		default:
			// Slow consumer; the frame is dropped rather than stalling
			// everyone else.
			h.logger.Debug("push frame dropped", zap.String("kind", evt.Kind))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, out: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("push client connected", zap.String("remote", r.RemoteAddr))

	done := make(chan struct{})
	go h.writeLoop(c, done)
	h.readLoop(c)

	close(done)
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = conn.Close()
	h.logger.Info("push client disconnected", zap.String("remote", r.RemoteAddr))
}

func (h *Hub) writeLoop(c *client, done <-chan struct{}) {
	for {
		select {
		case data := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("push client read error", zap.Error(err))
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("push client frame invalid", zap.Error(err))
			continue
		}
		switch frame.Type {
		case "focus":
			c.mu.Lock()
			c.focused = frame.Chat
			c.mu.Unlock()
			h.logger.Debug("push client focus changed", zap.String("chat", frame.Chat))
		default:
			h.logger.Debug("push client frame ignored", zap.String("type", frame.Type))
		}
	}
}
