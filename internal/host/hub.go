package host

import (
	"context"
	"net/http"
	"sync"

	"github.com/HsiangNianian/framebridge/internal/logx"
	"github.com/HsiangNianian/framebridge/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *clientConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub accepts frame WebSocket connections. A frame id may have several
// connections (the same component open twice); renders go to all of them.
type Hub struct {
	service   *Service
	authToken string
	log       zerolog.Logger

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	frames map[string]map[*clientConn]struct{}
}

func NewHub(svc *Service, authToken string) *Hub {
	return &Hub{
		service:   svc,
		authToken: authToken,
		log:       logx.Component("hub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		frames: make(map[string]map[*clientConn]struct{}),
	}
}

// HandleFrame upgrades a frame connection. The frame id comes from the
// frame_id query parameter; a random one is assigned when it is missing.
func (h *Hub) HandleFrame(w http.ResponseWriter, r *http.Request) {
	if !authorized(r, h.authToken) {
		h.log.Warn().Str("remote", r.RemoteAddr).Msg("frame unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	frameID := r.URL.Query().Get("frame_id")
	if frameID == "" {
		frameID = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("upgrade frame ws failed")
		return
	}
	client := &clientConn{conn: conn}

	h.mu.Lock()
	if h.frames[frameID] == nil {
		h.frames[frameID] = make(map[*clientConn]struct{})
	}
	h.frames[frameID][client] = struct{}{}
	count := len(h.frames[frameID])
	h.mu.Unlock()
	metrics.FrameConnected()

	h.log.Info().Str("frame_id", frameID).Str("remote", r.RemoteAddr).Int("connections", count).Msg("frame connected")
	h.readFrame(r.Context(), frameID, client)
}

func (h *Hub) readFrame(ctx context.Context, frameID string, client *clientConn) {
	defer func() {
		h.mu.Lock()
		delete(h.frames[frameID], client)
		if len(h.frames[frameID]) == 0 {
			delete(h.frames, frameID)
		}
		h.mu.Unlock()
		metrics.FrameDisconnected()
		_ = client.conn.Close()
		h.log.Info().Str("frame_id", frameID).Msg("frame disconnected")
	}()

	for {
		kind, data, err := client.conn.ReadMessage()
		if err != nil {
			h.log.Debug().Err(err).Str("frame_id", frameID).Msg("recv frame->host ended")
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		replies, err := h.service.Handle(ctx, frameID, data)
		if err != nil {
			h.log.Warn().Err(err).Str("frame_id", frameID).Msg("drop frame message")
			continue
		}
		for _, reply := range replies {
			if err := client.write(reply); err != nil {
				h.log.Warn().Err(err).Str("frame_id", frameID).Msg("send host->frame failed")
			}
		}
	}
}

// Deliver writes raw to every connection of frameID and reports how many
// accepted it.
func (h *Hub) Deliver(frameID string, raw []byte) int {
	h.mu.RLock()
	clients := make([]*clientConn, 0, len(h.frames[frameID]))
	for c := range h.frames[frameID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range clients {
		if err := c.write(raw); err != nil {
			h.log.Warn().Err(err).Str("frame_id", frameID).Msg("push host->frame failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Connected reports the number of live connections for frameID.
func (h *Hub) Connected(frameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.frames[frameID])
}

func authorized(r *http.Request, token string) bool {
	return token == "" || r.Header.Get("Authorization") == "Bearer "+token
}
