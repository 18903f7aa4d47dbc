package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gatewatch/internal/logging"
)

// ChannelConfig contains the settings of one channel
type ChannelConfig struct {
	Channel         Channel
	CaptureInterval time.Duration
	RequestTimeout  time.Duration
	UploadTimeout   time.Duration
	DisplayWidth    int  // 0 means native width
	DisplayHeight   int  // 0 means native height
	Mirrored        bool // live feed is shown flipped horizontally
	InitialMode     Mode
}

// ChannelPipeline bundles the components serving one channel.
// Channels never share mutable state.
type ChannelPipeline struct {
	config    ChannelConfig
	source    FrameSource
	scheduler *CaptureScheduler
	uploads   *UploadPipeline
	modes     *ModeController
}

// ChannelStatus is a point-in-time view of a channel
type ChannelStatus struct {
	Channel   Channel        `json:"channel"`
	Mode      Mode           `json:"mode"`
	Active    bool           `json:"active"`
	Mirrored  bool           `json:"mirrored"`
	Scheduler SchedulerStats `json:"scheduler"`
	Job       *UploadJob     `json:"job,omitempty"`
}

// Dependencies are the collaborators shared by the channel pipelines.
// Each channel still gets its own source.
type Dependencies struct {
	Frames   FrameAnalyzer
	Files    FileAnalyzer
	Sessions SessionSource
	Renderer Renderer
	Recorder UploadRecorder
}

// NewChannelPipeline wires a scheduler, an upload pipeline and a mode controller around a source
func NewChannelPipeline(cfg ChannelConfig, source FrameSource, deps Dependencies) *ChannelPipeline {
	if cfg.InitialMode == "" {
		cfg.InitialMode = ModeLive
	}

	cp := &ChannelPipeline{
		config: cfg,
		source: source,
	}

	cp.scheduler = NewCaptureScheduler(cfg.Channel, cfg.CaptureInterval, cfg.RequestTimeout,
		source, deps.Frames, deps.Sessions, cp.liveDeliver(deps.Renderer))

	cp.uploads = NewUploadPipeline(UploadConfig{
		Channel:       cfg.Channel,
		DisplayWidth:  cfg.DisplayWidth,
		DisplayHeight: cfg.DisplayHeight,
		Timeout:       cfg.UploadTimeout,
	}, deps.Files, deps.Sessions, deps.Renderer, deps.Recorder)

	cp.modes = NewModeController(cfg.Channel, source, cp.scheduler, cp.uploads, deps.Renderer)
	cp.modes.mode = cfg.InitialMode
	return cp
}

// liveDeliver renders live results against the frame's native resolution
func (cp *ChannelPipeline) liveDeliver(renderer Renderer) DeliverFunc {
	return func(sample *FrameSample, results []DetectionResult) {
		renderer.Render(cp.config.Channel, cp.LiveSurface(sample), results, sample.Data)
	}
}

// LiveSurface builds the display surface for a live frame
func (cp *ChannelPipeline) LiveSurface(sample *FrameSample) DisplaySurface {
	s := DisplaySurface{
		NativeWidth:   sample.Width,
		NativeHeight:  sample.Height,
		DisplayWidth:  cp.config.DisplayWidth,
		DisplayHeight: cp.config.DisplayHeight,
		Mirrored:      cp.config.Mirrored,
	}
	if s.DisplayWidth <= 0 || s.DisplayHeight <= 0 {
		s.DisplayWidth, s.DisplayHeight = s.NativeWidth, s.NativeHeight
	}
	return s
}

// Channel returns the channel served by the pipeline
func (cp *ChannelPipeline) Channel() Channel { return cp.config.Channel }

// Modes returns the channel's mode controller
func (cp *ChannelPipeline) Modes() *ModeController { return cp.modes }

// Uploads returns the channel's upload pipeline
func (cp *ChannelPipeline) Uploads() *UploadPipeline { return cp.uploads }

// Scheduler returns the channel's capture scheduler
func (cp *ChannelPipeline) Scheduler() *CaptureScheduler { return cp.scheduler }

// Status returns a snapshot of the channel
func (cp *ChannelPipeline) Status() ChannelStatus {
	st := ChannelStatus{
		Channel:   cp.config.Channel,
		Mode:      cp.modes.Mode(),
		Active:    cp.modes.Started(),
		Mirrored:  cp.config.Mirrored,
		Scheduler: cp.scheduler.Stats(),
	}
	if job, ok := cp.uploads.Job(); ok {
		st.Job = &job
	}
	return st
}

// Close stops the channel and waits for outstanding requests
func (cp *ChannelPipeline) Close() {
	cp.modes.Stop()
	cp.scheduler.Close()
	cp.uploads.Close()
}

// Manager owns the pipelines of every channel
type Manager struct {
	pipelines map[Channel]*ChannelPipeline
	mu        sync.RWMutex
	log       zerolog.Logger
}

// NewManager creates a manager for the given pipelines
func NewManager(pipelines ...*ChannelPipeline) *Manager {
	m := &Manager{
		pipelines: make(map[Channel]*ChannelPipeline),
		log:       logging.Component("pipeline"),
	}
	for _, p := range pipelines {
		m.pipelines[p.Channel()] = p
	}
	return m
}

// Get returns the pipeline of a channel
func (m *Manager) Get(channel Channel) (*ChannelPipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pipelines[channel]
	if !ok {
		return nil, fmt.Errorf("channel %s not configured", channel)
	}
	return p, nil
}

// StartAll starts every channel in its configured initial mode.
// A channel that fails to start is logged and left stopped.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var firstErr error
	for _, ch := range Channels {
		p, ok := m.pipelines[ch]
		if !ok {
			continue
		}
		if err := p.modes.Start(ctx, p.modes.Mode()); err != nil {
			m.log.Error().Err(err).Str("channel", string(ch)).Msg("failed to start channel")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopAll stops every channel. Stopping is idempotent.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.pipelines {
		p.modes.Stop()
	}
	m.log.Info().Msg("all channels stopped")
}

// SwitchMode changes the mode of one channel
func (m *Manager) SwitchMode(ctx context.Context, channel Channel, mode Mode) error {
	p, err := m.Get(channel)
	if err != nil {
		return err
	}
	return p.modes.SetMode(ctx, mode)
}

// Status returns the status of every channel in display order
func (m *Manager) Status() []ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ChannelStatus, 0, len(m.pipelines))
	for _, ch := range Channels {
		if p, ok := m.pipelines[ch]; ok {
			out = append(out, p.Status())
		}
	}
	return out
}

// Close shuts down every channel
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ch, p := range m.pipelines {
		p.Close()
		delete(m.pipelines, ch)
	}
	m.log.Info().Msg("closed all channel pipelines")
	return nil
}
