package ws

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"gatewatch/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // 256KB for base64 encoded JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		// viewers are served from the local control API
		return true
	},
}

// Handler upgrades overlay viewer connections.
// Query parameters: channel=entry|exit (default both), frames=true to
// receive the frame each overlay refers to.
type Handler struct {
	hub *OverlayHub
}

// NewHandler creates a new websocket handler
func NewHandler(hub *OverlayHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles websocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var channel pipeline.Channel
	if v := r.URL.Query().Get("channel"); v != "" {
		ch, err := pipeline.ParseChannel(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		channel = ch
	}
	frames, _ := strconv.ParseBool(r.URL.Query().Get("frames"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn:    conn,
		channel: channel,
		frames:  frames,
		send:    make(chan []byte, sendBuffer),
	}
	h.hub.log.Debug().Str("remote", r.RemoteAddr).Msg("new overlay viewer")
	h.hub.register(c)

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnection
func (h *Handler) readPump(c *client) {
	defer func() {
		h.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.log.Warn().Err(err).Msg("viewer read error")
			}
			return
		}
	}
}

// writePump is the only writer of the connection
func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
