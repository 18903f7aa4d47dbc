package overlay

import (
	"sync"

	"gatewatch/internal/pipeline"
)

// Board keeps the latest draw list and frame of each channel
type Board struct {
	mu     sync.RWMutex
	lists  map[pipeline.Channel]DrawList
	frames map[pipeline.Channel][]byte
}

// NewBoard creates an empty board
func NewBoard() *Board {
	return &Board{
		lists:  make(map[pipeline.Channel]DrawList),
		frames: make(map[pipeline.Channel][]byte),
	}
}

// Draw implements Sink
func (b *Board) Draw(list DrawList, frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists[list.Channel] = list
	if len(frame) > 0 {
		b.frames[list.Channel] = frame
	} else {
		delete(b.frames, list.Channel)
	}
}

// Clear implements Sink
func (b *Board) Clear(channel pipeline.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lists, channel)
	delete(b.frames, channel)
}

// Get returns the current draw list of a channel
func (b *Board) Get(channel pipeline.Channel) (DrawList, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list, ok := b.lists[channel]
	if ok {
		list.Rects = append([]DrawRect(nil), list.Rects...)
	}
	return list, ok
}

// Frame returns the frame the current draw list refers to
func (b *Board) Frame(channel pipeline.Channel) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.frames[channel]
	return f, ok
}

// Snapshot composes the channel's frame and overlay into a JPEG
func (b *Board) Snapshot(channel pipeline.Channel) ([]byte, error) {
	list, ok := b.Get(channel)
	if !ok {
		return nil, ErrNoOverlay
	}
	frame, ok := b.Frame(channel)
	if !ok {
		return nil, ErrNoFrame
	}
	return Compose(frame, list)
}

var _ Sink = (*Board)(nil)
