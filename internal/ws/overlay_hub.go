package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gatewatch/internal/logging"
	"gatewatch/internal/overlay"
	"gatewatch/internal/pipeline"
)

// sendBuffer is the number of messages queued per viewer before new ones are dropped
const sendBuffer = 8

// client is one connected viewer
type client struct {
	conn    *websocket.Conn
	channel pipeline.Channel // empty means every channel
	frames  bool
	send    chan []byte
}

func (c *client) wants(ch pipeline.Channel) bool {
	return c.channel == "" || c.channel == ch
}

// OverlayHub pushes draw lists to websocket viewers.
// It implements overlay.Sink and never blocks the renderer: a viewer that
// falls behind loses messages instead of delaying the pipeline.
type OverlayHub struct {
	clients map[*client]bool
	mu      sync.RWMutex
	log     zerolog.Logger
}

// NewOverlayHub creates an empty hub
func NewOverlayHub() *OverlayHub {
	return &OverlayHub{
		clients: make(map[*client]bool),
		log:     logging.Component("ws"),
	}
}

func (h *OverlayHub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = true
	h.log.Info().Str("channel", string(c.channel)).Int("total", len(h.clients)).Msg("viewer registered")
}

func (h *OverlayHub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
		h.log.Info().Str("channel", string(c.channel)).Msg("viewer unregistered")
	}
}

// HasClients returns true if any viewer follows the channel
func (h *OverlayHub) HasClients(channel pipeline.Channel) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.wants(channel) {
			return true
		}
	}
	return false
}

// ClientCount returns the number of connected viewers
func (h *OverlayHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Draw implements overlay.Sink
func (h *OverlayHub) Draw(list overlay.DrawList, frame []byte) {
	if !h.HasClients(list.Channel) {
		return
	}

	msg := NewOverlayMessage(list)
	plain, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal overlay message")
		return
	}

	var withFrame []byte
	if len(frame) > 0 {
		msg.SetFrame(frame)
		if withFrame, err = json.Marshal(msg); err != nil {
			h.log.Error().Err(err).Msg("failed to marshal overlay frame message")
			withFrame = nil
		}
	}

	h.broadcast(list.Channel, func(c *client) []byte {
		if c.frames && withFrame != nil {
			return withFrame
		}
		return plain
	})
}

// Clear implements overlay.Sink
func (h *OverlayHub) Clear(channel pipeline.Channel) {
	if !h.HasClients(channel) {
		return
	}
	data, err := json.Marshal(NewClearMessage(channel))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal clear message")
		return
	}
	h.broadcast(channel, func(*client) []byte { return data })
}

func (h *OverlayHub) broadcast(channel pipeline.Channel, payload func(*client) []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(channel) {
			continue
		}
		select {
		case c.send <- payload(c):
		default:
			h.log.Debug().Str("channel", string(channel)).Msg("viewer too slow, dropping message")
		}
	}
}

// Close disconnects every viewer
func (h *OverlayHub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

var _ overlay.Sink = (*OverlayHub)(nil)
