package capture

import (
	"context"
	"fmt"

	"gatewatch/internal/pipeline"
)

// DisabledSource stands in for a channel with no device. It never opens, so
// the channel can only run in upload mode.
type DisabledSource struct {
	channel pipeline.Channel
}

// NewDisabledSource creates a source that refuses to open
func NewDisabledSource(channel pipeline.Channel) *DisabledSource {
	return &DisabledSource{channel: channel}
}

func (s *DisabledSource) Open(context.Context) error {
	return fmt.Errorf("%w: no device configured for channel %s", pipeline.ErrSourceNotReady, s.channel)
}

func (s *DisabledSource) Close() error { return nil }

func (s *DisabledSource) Latest() (*pipeline.FrameSample, bool) { return nil, false }

var _ pipeline.FrameSource = (*DisabledSource)(nil)
