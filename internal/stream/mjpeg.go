// Package stream serves the composited overlay of each channel as an MJPEG
// stream for viewers that cannot run the websocket client.
package stream

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gatewatch/internal/logging"
	"gatewatch/internal/overlay"
	"gatewatch/internal/pipeline"
)

// clientBuffer is the number of frames queued per viewer before new ones are dropped
const clientBuffer = 5

const boundary = "frame"

// MJPEGStreamer implements overlay.Sink. Each draw with a frame is composed
// into a JPEG and pushed to the viewers of that channel. Nothing is composed
// while a channel has no viewers. Composition runs on one goroutine per
// channel, and only the newest pending draw is composed.
type MJPEGStreamer struct {
	clients   map[pipeline.Channel]map[chan []byte]bool
	clientsMu sync.RWMutex

	feeds   map[pipeline.Channel]*feed
	feedsMu sync.Mutex

	log zerolog.Logger
}

type feed struct {
	current   []byte      // last composed frame, sent to new viewers first
	last      *composeJob // last drawn frame, recomposed without boxes on clear
	pending   *composeJob
	composing bool
	epoch     uint64 // bumped by Clear
}

type composeJob struct {
	list  overlay.DrawList
	frame []byte
	epoch uint64
	bare  bool
}

// NewMJPEGStreamer creates a streamer with no viewers
func NewMJPEGStreamer() *MJPEGStreamer {
	return &MJPEGStreamer{
		clients: make(map[pipeline.Channel]map[chan []byte]bool),
		feeds:   make(map[pipeline.Channel]*feed),
		log:     logging.Component("stream"),
	}
}

// Viewers returns the number of viewers of a channel
func (m *MJPEGStreamer) Viewers(channel pipeline.Channel) int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients[channel])
}

// Draw queues the frame with its overlay for composition
func (m *MJPEGStreamer) Draw(list overlay.DrawList, frame []byte) {
	if frame == nil {
		return
	}
	viewers := m.Viewers(list.Channel)

	m.feedsMu.Lock()
	defer m.feedsMu.Unlock()
	f := m.feedLocked(list.Channel)
	job := &composeJob{list: list, frame: frame, epoch: f.epoch}
	f.last = job
	if viewers > 0 {
		m.enqueueLocked(list.Channel, f, job)
	}
}

// Clear drops the channel's overlay. Viewers get the last frame again
// without boxes, and new viewers get nothing until the next draw.
func (m *MJPEGStreamer) Clear(channel pipeline.Channel) {
	viewers := m.Viewers(channel)

	m.feedsMu.Lock()
	defer m.feedsMu.Unlock()
	f := m.feedLocked(channel)
	f.epoch++
	f.current = nil
	f.pending = nil
	last := f.last
	f.last = nil
	if last == nil || viewers == 0 {
		return
	}
	bare := overlay.DrawList{Channel: channel, Surface: last.list.Surface, Timestamp: time.Now()}
	m.enqueueLocked(channel, f, &composeJob{list: bare, frame: last.frame, epoch: f.epoch, bare: true})
}

func (m *MJPEGStreamer) feedLocked(channel pipeline.Channel) *feed {
	f, ok := m.feeds[channel]
	if !ok {
		f = &feed{}
		m.feeds[channel] = f
	}
	return f
}

func (m *MJPEGStreamer) enqueueLocked(channel pipeline.Channel, f *feed, job *composeJob) {
	f.pending = job
	if f.composing {
		return
	}
	f.composing = true
	go m.compose(channel, f)
}

// compose drains the channel's pending draws in order
func (m *MJPEGStreamer) compose(channel pipeline.Channel, f *feed) {
	for {
		m.feedsMu.Lock()
		job := f.pending
		f.pending = nil
		if job == nil {
			f.composing = false
			m.feedsMu.Unlock()
			return
		}
		m.feedsMu.Unlock()

		img, err := overlay.Compose(job.frame, job.list)
		if err != nil {
			m.log.Warn().Err(err).Str("channel", string(channel)).Msg("failed to compose frame")
			continue
		}

		m.feedsMu.Lock()
		if job.epoch != f.epoch {
			// cleared while composing
			m.feedsMu.Unlock()
			continue
		}
		if !job.bare {
			f.current = img
		}
		m.feedsMu.Unlock()

		m.broadcast(channel, img)
	}
}

// Current returns the channel's last composed frame
func (m *MJPEGStreamer) Current(channel pipeline.Channel) ([]byte, bool) {
	m.feedsMu.Lock()
	defer m.feedsMu.Unlock()
	f, ok := m.feeds[channel]
	if !ok || f.current == nil {
		return nil, false
	}
	return f.current, true
}

func (m *MJPEGStreamer) broadcast(channel pipeline.Channel, frame []byte) {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for ch := range m.clients[channel] {
		select {
		case ch <- frame:
		default:
			// slow viewer, drop the frame
		}
	}
}

func (m *MJPEGStreamer) register(channel pipeline.Channel) chan []byte {
	ch := make(chan []byte, clientBuffer)

	if frame, ok := m.Current(channel); ok {
		ch <- frame
	}

	m.clientsMu.Lock()
	if m.clients[channel] == nil {
		m.clients[channel] = make(map[chan []byte]bool)
	}
	m.clients[channel][ch] = true
	n := len(m.clients[channel])
	m.clientsMu.Unlock()

	m.log.Info().Str("channel", string(channel)).Int("viewers", n).Msg("mjpeg viewer connected")
	return ch
}

func (m *MJPEGStreamer) unregister(channel pipeline.Channel, ch chan []byte) {
	m.clientsMu.Lock()
	delete(m.clients[channel], ch)
	m.clientsMu.Unlock()
	m.log.Info().Str("channel", string(channel)).Msg("mjpeg viewer disconnected")
}

// Serve streams the channel until the request is cancelled
func (m *MJPEGStreamer) Serve(w http.ResponseWriter, r *http.Request, channel pipeline.Channel) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := m.register(channel)
	defer m.unregister(channel, ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

var _ overlay.Sink = (*MJPEGStreamer)(nil)
