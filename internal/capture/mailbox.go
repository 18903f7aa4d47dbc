package capture

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"gatewatch/internal/pipeline"
)

// mailbox holds only the newest frame of a source. Older frames are
// overwritten, never queued.
type mailbox struct {
	channel pipeline.Channel

	// configured resolution, used when a frame header cannot be read
	width  int
	height int

	mu    sync.RWMutex
	frame *pipeline.FrameSample
	seq   uint64
	stats Stats
}

// Stats contains frame counters of a source
type Stats struct {
	FramesCaptured uint64 `json:"frames_captured"`
	FramesInvalid  uint64 `json:"frames_invalid"`
	LastFrameTime  int64  `json:"last_frame_time"` // Unix timestamp
}

func newMailbox(channel pipeline.Channel, width, height int) *mailbox {
	return &mailbox{channel: channel, width: width, height: height}
}

// put stores data as the newest frame
func (m *mailbox) put(data []byte) {
	w, h := m.width, m.height
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		w, h = cfg.Width, cfg.Height
	} else {
		m.mu.Lock()
		m.stats.FramesInvalid++
		m.mu.Unlock()
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.frame = &pipeline.FrameSample{
		Channel:   m.channel,
		Data:      data,
		Seq:       m.seq,
		Timestamp: now,
		Width:     w,
		Height:    h,
	}
	m.stats.FramesCaptured++
	m.stats.LastFrameTime = now.Unix()
}

// get returns a copy of the newest frame
func (m *mailbox) get() (*pipeline.FrameSample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.frame == nil {
		return nil, false
	}
	f := *m.frame
	return &f, true
}

// reset drops the stored frame so a reopened source starts cold
func (m *mailbox) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frame = nil
}

func (m *mailbox) snapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
