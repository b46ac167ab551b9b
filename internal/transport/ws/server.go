package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxeledit.ai/internal/edit"
)

type subscription struct {
	worldID string
	cx, cz  int
	radius  int
}

func (s subscription) wants(sum edit.ChunkSummary) bool {
	if s.worldID != sum.WorldID {
		return false
	}
	if s.radius <= 0 {
		return true
	}
	return abs(sum.CX-s.cx) <= s.radius && abs(sum.CZ-s.cz) <= s.radius
}

type client struct {
	id  string
	out chan []byte

	mu  sync.Mutex
	sub subscription
}

func (c *client) subscription() subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *client) setSubscription(s subscription) {
	c.mu.Lock()
	c.sub = s
	c.mu.Unlock()
}

// Hub fans committed chunk summaries out to websocket subscribers. A slow
// client loses updates rather than stalling the committing goroutine.
type Hub struct {
	log *log.Logger

	// AllowRemote accepts non-loopback clients.
	AllowRemote bool

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{
		log:     logger,
		clients: map[string]*client{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// NotifyChunk implements store.Notifier.
func (h *Hub) NotifyChunk(sum edit.ChunkSummary) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return nil
	}
	b, err := json.Marshal(ChunkUpdateMsg{Type: TypeChunkUpdate, ChunkSummary: sum})
	if err != nil {
		return err
	}
	for _, c := range h.clients {
		if !c.subscription().wants(sum) {
			continue
		}
		select {
		case c.out <- b:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Sent() uint64    { return h.sent.Load() }
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !h.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		c := &client{id: uuid.NewString(), out: make(chan []byte, queueSize(sub.MaxQueue))}
		c.setSubscription(toSubscription(sub))
		h.register(c)
		defer h.unregister(c.id)

		if err := writeJSON(conn, WelcomeMsg{
			Type:            TypeWelcome,
			ProtocolVersion: Version,
			SessionID:       c.id,
			WorldID:         sub.WorldID,
		}); err != nil {
			return
		}
		h.log.Printf("ws subscriber %s world=%s radius=%d", c.id, sub.WorldID, sub.ChunkRadius)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := decodeSubscribe(msg); ok {
				c.setSubscription(toSubscription(sub))
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func decodeSubscribe(msg []byte) (SubscribeMsg, bool) {
	var sub SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != TypeSubscribe || sub.ProtocolVersion != Version || sub.WorldID == "" {
		return sub, false
	}
	if sub.ChunkRadius < 0 {
		sub.ChunkRadius = 0
	}
	if sub.ChunkRadius > 64 {
		sub.ChunkRadius = 64
	}
	return sub, true
}

func toSubscription(m SubscribeMsg) subscription {
	return subscription{worldID: m.WorldID, cx: m.Center[0], cz: m.Center[1], radius: m.ChunkRadius}
}

func queueSize(n int) int {
	if n <= 0 {
		return 256
	}
	if n > 4096 {
		return 4096
	}
	return n
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
