package capture

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gatewatch/internal/pipeline"
)

// StaticSource serves one image file as every frame. It stands in for a
// camera on machines without one.
type StaticSource struct {
	channel pipeline.Channel
	path    string
	box     *mailbox

	mu   sync.Mutex
	open bool
}

// NewStaticSource creates a closed source for the image at path
func NewStaticSource(channel pipeline.Channel, path string) *StaticSource {
	return &StaticSource{
		channel: channel,
		path:    path,
		box:     newMailbox(channel, 0, 0),
	}
}

// Open reads the image
func (s *StaticSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	if kind, _, err := pipeline.DetectKind(s.path, data); err != nil || kind != pipeline.FileKindImage {
		return fmt.Errorf("%w: %s is not an image", pipeline.ErrUnsupportedMedia, s.path)
	}
	s.box.put(data)
	s.open = true
	return nil
}

// Close forgets the image
func (s *StaticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.box.reset()
	return nil
}

// Latest returns the image while open
func (s *StaticSource) Latest() (*pipeline.FrameSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, false
	}
	return s.box.get()
}

var _ pipeline.FrameSource = (*StaticSource)(nil)
