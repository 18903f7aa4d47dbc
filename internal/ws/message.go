package ws

import (
	"encoding/base64"
	"time"

	"gatewatch/internal/overlay"
	"gatewatch/internal/pipeline"
)

// Message types pushed to overlay viewers
const (
	TypeOverlay = "overlay"
	TypeClear   = "clear"
)

// OverlayMessage carries the complete overlay of one channel.
// It replaces whatever the viewer drew before for that channel.
type OverlayMessage struct {
	Type      string                  `json:"type"` // "overlay"
	Channel   pipeline.Channel        `json:"channel"`
	Timestamp time.Time               `json:"timestamp"`
	Surface   pipeline.DisplaySurface `json:"surface"`
	Rects     []overlay.DrawRect      `json:"rects"`
	Skipped   int                     `json:"skipped,omitempty"`
	Frame     string                  `json:"frame,omitempty"` // Base64 encoded frame the boxes refer to
}

// ClearMessage tells viewers to drop a channel's overlay
type ClearMessage struct {
	Type      string           `json:"type"` // "clear"
	Channel   pipeline.Channel `json:"channel"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewOverlayMessage creates an overlay message from a draw list
func NewOverlayMessage(list overlay.DrawList) *OverlayMessage {
	return &OverlayMessage{
		Type:      TypeOverlay,
		Channel:   list.Channel,
		Timestamp: list.Timestamp,
		Surface:   list.Surface,
		Rects:     list.Rects,
		Skipped:   list.Skipped,
	}
}

// SetFrame attaches the encoded frame
func (m *OverlayMessage) SetFrame(frame []byte) {
	m.Frame = base64.StdEncoding.EncodeToString(frame)
}

// NewClearMessage creates a clear message
func NewClearMessage(channel pipeline.Channel) *ClearMessage {
	return &ClearMessage{
		Type:      TypeClear,
		Channel:   channel,
		Timestamp: time.Now(),
	}
}
