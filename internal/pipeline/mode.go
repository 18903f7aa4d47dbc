package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"gatewatch/internal/logging"
)

// ModeController owns the live/upload state of one channel.
// While started, exactly one of the capture scheduler or the upload pipeline
// is active, and the frame source is open only in live mode.
type ModeController struct {
	channel   Channel
	source    FrameSource
	scheduler *CaptureScheduler
	uploads   *UploadPipeline
	renderer  Renderer

	mu      sync.Mutex
	mode    Mode
	started bool

	log zerolog.Logger
}

// NewModeController creates a stopped controller
func NewModeController(channel Channel, source FrameSource, scheduler *CaptureScheduler, uploads *UploadPipeline, renderer Renderer) *ModeController {
	return &ModeController{
		channel:   channel,
		source:    source,
		scheduler: scheduler,
		uploads:   uploads,
		renderer:  renderer,
		mode:      ModeLive,
		log:       logging.Component("mode").With().Str("channel", string(channel)).Logger(),
	}
}

// Start enters the given mode. Starting a started controller switches mode instead.
// When the device cannot be opened for live mode the channel starts in upload
// mode and the open error is still returned.
func (c *ModeController) Start(ctx context.Context, mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return c.switchLocked(ctx, mode)
	}
	if err := c.enterLocked(ctx, mode); err != nil {
		if mode != ModeLive {
			return err
		}
		// upload needs no device, so the channel stays usable
		if uerr := c.enterLocked(ctx, ModeUpload); uerr != nil {
			return err
		}
		c.started = true
		c.log.Warn().Err(err).Msg("live start failed, channel started in upload mode")
		return err
	}
	c.started = true
	c.log.Info().Str("mode", string(mode)).Msg("channel started")
	return nil
}

// SetMode switches between live and upload. Switching to the current mode is a no-op.
func (c *ModeController) SetMode(ctx context.Context, mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		// remembered for the next Start
		c.mode = mode
		return nil
	}
	return c.switchLocked(ctx, mode)
}

// Stop deactivates both the scheduler and the upload pipeline and releases the device
func (c *ModeController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	c.leaveLocked()
	c.started = false
	c.log.Info().Msg("channel stopped")
}

// Mode returns the current (or next, when stopped) mode
func (c *ModeController) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Started reports whether the channel is active
func (c *ModeController) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *ModeController) switchLocked(ctx context.Context, mode Mode) error {
	if mode == c.mode {
		return nil
	}
	previous := c.mode
	c.leaveLocked()
	if err := c.enterLocked(ctx, mode); err != nil {
		// fall back to the previous mode so the channel is never left idle
		if rerr := c.enterLocked(ctx, previous); rerr != nil {
			c.log.Error().Err(rerr).Str("mode", string(previous)).Msg("failed to restore previous mode")
			if uerr := c.enterLocked(ctx, ModeUpload); uerr != nil {
				c.started = false
			}
		}
		return err
	}
	c.log.Info().Str("from", string(previous)).Str("to", string(mode)).Msg("mode switched")
	return nil
}

func (c *ModeController) enterLocked(ctx context.Context, mode Mode) error {
	switch mode {
	case ModeLive:
		c.uploads.Deactivate()
		if err := c.source.Open(ctx); err != nil {
			return fmt.Errorf("failed to open %s source: %w", c.channel, err)
		}
		c.scheduler.Start()
	case ModeUpload:
		c.uploads.Activate()
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	c.mode = mode
	return nil
}

func (c *ModeController) leaveLocked() {
	switch c.mode {
	case ModeLive:
		c.scheduler.Stop()
		if err := c.source.Close(); err != nil {
			c.log.Warn().Err(err).Msg("failed to release source")
		}
	case ModeUpload:
		c.uploads.Deactivate()
	}
	c.renderer.Clear(c.channel)
}
