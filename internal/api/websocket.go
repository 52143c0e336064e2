package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/status"
)

// coalesceInterval bounds how often the hub pushes a snapshot to connected
// clients. A reconnect storm or a fast bootstrap -> local_replay -> normal
// run can make the registry broadcast several times within a few
// milliseconds; a dashboard doesn't need every intermediate frame, so the
// hub keeps only the most recent pending snapshot and flushes it on this
// tick instead of writing to every client on every registry change.
const coalesceInterval = 200 * time.Millisecond

// hub manages WebSocket clients and broadcasts coalesced status.Snapshot
// updates from a status.Registry.
type hub struct {
	registry *status.Registry
	logger   zerolog.Logger
	interval time.Duration

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
}

func newHub(registry *status.Registry, logger zerolog.Logger) *hub {
	return &hub{
		registry: registry,
		logger:   logger.With().Str("component", "ws-hub").Logger(),
		interval: coalesceInterval,
		clients:  make(map[*wsClient]struct{}),
	}
}

func (h *hub) start(ctx context.Context) {
	ch := h.registry.Subscribe()
	defer h.registry.Unsubscribe(ch)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var pending *status.Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			s := snap
			pending = &s
		case <-ticker.C:
			if pending == nil {
				continue
			}
			h.broadcast(*pending)
			pending = nil
		}
	}
}

func (h *hub) broadcast(snap status.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Err(err).Msg("marshal snapshot for ws")
		return
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.remove(c)
		}
	}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug().Int("clients", len(h.clients)).Msg("ws client connected")
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
	h.mu.Unlock()
}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Err(err).Msg("ws accept")
		return
	}

	client := &wsClient{conn: conn}
	h.add(client)

	snap := h.registry.Snapshot()
	if data, err := json.Marshal(snap); err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			h.remove(client)
			return
		}
	}
}
