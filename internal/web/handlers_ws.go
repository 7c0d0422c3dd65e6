package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"litime-gateway/internal/gateway"
)

const (
	wsSendBuffer   = 32
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1024
)

// WSHub fans gateway events out to dashboard WebSocket clients.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	events     chan gateway.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan gateway.Event, 128),
		done:       make(chan struct{}),
	}
}

// Run owns client membership until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case ev := <-h.events:
			h.fanout(ev)
		}
	}
}

func (h *WSHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws client connected", "total", n)
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws client disconnected", "total", n)
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// fanout drops clients whose send buffer is full.
func (h *WSHub) fanout(ev gateway.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event without blocking the caller, which is the
// gateway run loop.
func (h *WSHub) Broadcast(ev gateway.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws event queue full, dropping", "type", ev.Type)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	// Greet with the current status so the page does not wait for the next poll.
	if st, err := s.ctrl.Status(r.Context()); err == nil {
		if data, err := json.Marshal(gateway.Event{Type: "status", Data: newStatusView(st)}); err == nil {
			client.send <- data
		}
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(c *wsClient) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump discards client messages and unregisters on disconnect.
func (s *Server) wsReadPump(c *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- c:
		case <-s.wsHub.done:
			c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
