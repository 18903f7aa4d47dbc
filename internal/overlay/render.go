package overlay

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gatewatch/internal/logging"
	"gatewatch/internal/pipeline"
)

// labelOffset is how far above the box top the label baseline sits
const labelOffset = 5

// Rect is one box in display pixels
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// DrawRect is a rectangle plus its label anchor
type DrawRect struct {
	Rect
	Label      string  `json:"label"`
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
	LabelX     float64 `json:"label_x"`
	LabelY     float64 `json:"label_y"`
}

// DrawList is the complete overlay of one channel. A new list replaces the
// previous one; nothing accumulates.
type DrawList struct {
	Channel   pipeline.Channel        `json:"channel"`
	Surface   pipeline.DisplaySurface `json:"surface"`
	Rects     []DrawRect              `json:"rects"`
	Skipped   int                     `json:"skipped"`
	Timestamp time.Time               `json:"timestamp"`
}

// Transform maps a native box onto the display surface, flipping the X axis
// when the surface is mirrored
func Transform(s pipeline.DisplaySurface, b Box) Rect {
	sx := float64(s.DisplayWidth) / float64(s.NativeWidth)
	sy := float64(s.DisplayHeight) / float64(s.NativeHeight)

	r := Rect{
		X: b.X * sx,
		Y: b.Y * sy,
		W: b.W * sx,
		H: b.H * sy,
	}
	if s.Mirrored {
		r.X = float64(s.DisplayWidth) - (b.X+b.W)*sx
	}
	return r
}

// Label formats the text drawn above a box
func Label(d pipeline.DetectionResult) string {
	emotion := d.Emotion
	if emotion == "" {
		emotion = "Unknown"
	}
	if d.Confidence > 0 {
		return fmt.Sprintf("%s %.0f%%", emotion, d.Confidence*100)
	}
	return emotion
}

// Build converts a result set into a draw list. Entries whose box cannot be
// parsed are counted in Skipped. The second return value is false when the
// surface resolution is unknown and nothing should be drawn.
func Build(channel pipeline.Channel, s pipeline.DisplaySurface, results []pipeline.DetectionResult) (DrawList, bool) {
	if !s.Ready() {
		return DrawList{}, false
	}

	list := DrawList{
		Channel:   channel,
		Surface:   s,
		Rects:     make([]DrawRect, 0, len(results)),
		Timestamp: time.Now(),
	}
	for _, d := range results {
		box, err := ParseBox(d.BBox)
		if err != nil {
			list.Skipped++
			continue
		}
		r := Transform(s, box)
		labelY := r.Y - labelOffset
		if labelY < 0 {
			labelY = 0
		}
		list.Rects = append(list.Rects, DrawRect{
			Rect:       r,
			Label:      Label(d),
			Emotion:    d.Emotion,
			Confidence: d.Confidence,
			LabelX:     r.X,
			LabelY:     labelY,
		})
	}
	return list, true
}

// Sink receives draw lists. Calls for one channel arrive in render order.
type Sink interface {
	// Draw replaces the channel's overlay. frame may be nil.
	Draw(list DrawList, frame []byte)

	// Clear removes the channel's overlay
	Clear(channel pipeline.Channel)
}

// Renderer implements pipeline.Renderer and fans each draw list out to its sinks
type Renderer struct {
	sinks map[*sinkEntry]bool
	mu    sync.RWMutex
	log   zerolog.Logger
}

type sinkEntry struct {
	sink Sink
}

// NewRenderer creates a renderer with the given sinks
func NewRenderer(sinks ...Sink) *Renderer {
	r := &Renderer{
		sinks: make(map[*sinkEntry]bool),
		log:   logging.Component("overlay"),
	}
	for _, s := range sinks {
		r.Subscribe(s)
	}
	return r
}

// Subscribe registers a sink and returns an unsubscribe function
func (r *Renderer) Subscribe(s Sink) func() {
	entry := &sinkEntry{sink: s}

	r.mu.Lock()
	r.sinks[entry] = true
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.sinks, entry)
		r.mu.Unlock()
	}
}

// Render builds the draw list and hands it to every sink.
// Sinks are called synchronously to keep per-channel order.
func (r *Renderer) Render(channel pipeline.Channel, s pipeline.DisplaySurface, results []pipeline.DetectionResult, frame []byte) {
	list, ok := Build(channel, s, results)
	if !ok {
		r.log.Debug().Str("channel", string(channel)).Msg("surface not ready, skipping render")
		return
	}
	if list.Skipped > 0 {
		r.log.Warn().Str("channel", string(channel)).Int("skipped", list.Skipped).Int("drawn", len(list.Rects)).Msg("dropped malformed detections")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for e := range r.sinks {
		e.sink.Draw(list, frame)
	}
}

// Clear removes the channel's overlay from every sink
func (r *Renderer) Clear(channel pipeline.Channel) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for e := range r.sinks {
		e.sink.Clear(channel)
	}
}

var _ pipeline.Renderer = (*Renderer)(nil)
