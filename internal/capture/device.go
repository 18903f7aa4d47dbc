package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"gatewatch/internal/logging"
	"gatewatch/internal/pipeline"
)

// DeviceConfig describes a capture device read through FFmpeg
type DeviceConfig struct {
	Channel    pipeline.Channel
	Device     string // /dev/videoN, rtsp:// or http(s):// stream URL
	FPS        int
	Width      int
	Height     int
	FFmpegPath string // defaults to "ffmpeg"
}

// DeviceSource decodes a camera or stream with FFmpeg into a JPEG mailbox.
// The device is held only between Open and Close.
type DeviceSource struct {
	config DeviceConfig
	box    *mailbox

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	log zerolog.Logger
}

// NewDeviceSource creates a closed device source
func NewDeviceSource(cfg DeviceConfig) *DeviceSource {
	if cfg.FPS <= 0 {
		cfg.FPS = 5
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &DeviceSource{
		config: cfg,
		box:    newMailbox(cfg.Channel, cfg.Width, cfg.Height),
		log:    logging.Component("capture").With().Str("channel", string(cfg.Channel)).Str("device", cfg.Device).Logger(),
	}
}

// Open starts FFmpeg. Opening an open source is a no-op.
func (s *DeviceSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// the process outlives the caller's context; Close ends it
	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, s.config.FFmpegPath, ffmpegArgs(s.config)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s.box.reset()
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.drainStderr(stderr)
	go s.read(cmd, stdout, s.done)

	s.log.Info().Int("fps", s.config.FPS).Msg("capture device opened")
	return nil
}

// Close stops FFmpeg and waits for the reader to exit
func (s *DeviceSource) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.box.reset()
	s.log.Info().Msg("capture device released")
	return nil
}

// Latest returns the newest decoded frame
func (s *DeviceSource) Latest() (*pipeline.FrameSample, bool) {
	s.mu.Lock()
	open := s.cancel != nil
	s.mu.Unlock()
	if !open {
		return nil, false
	}
	return s.box.get()
}

// Stats returns the frame counters
func (s *DeviceSource) Stats() Stats {
	return s.box.snapshot()
}

func (s *DeviceSource) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.log.Trace().Str("ffmpeg", scanner.Text()).Send()
	}
}

func (s *DeviceSource) read(cmd *exec.Cmd, stdout io.Reader, done chan<- struct{}) {
	defer close(done)

	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			frameBuffer = append(frameBuffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				s.box.put(frame)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				s.log.Debug().Err(err).Msg("frame read ended")
			}
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		s.log.Debug().Err(err).Msg("ffmpeg exited")
	}
}

// ffmpegArgs builds an MJPEG image2pipe pipeline for the device
func ffmpegArgs(cfg DeviceConfig) []string {
	output := []string{
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-r", fmt.Sprintf("%d", cfg.FPS),
		"-q:v", "5",
		"-",
	}

	var input []string
	switch {
	case strings.HasPrefix(cfg.Device, "rtsp://"):
		input = []string{"-rtsp_transport", "tcp", "-i", cfg.Device}
	case strings.HasPrefix(cfg.Device, "http://"), strings.HasPrefix(cfg.Device, "https://"):
		input = []string{"-i", cfg.Device}
	default:
		// V4L2 device (USB camera)
		input = []string{"-f", "v4l2"}
		if cfg.Width > 0 && cfg.Height > 0 {
			input = append(input, "-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
		}
		input = append(input, "-framerate", fmt.Sprintf("%d", cfg.FPS), "-i", cfg.Device)
	}

	args := append([]string{"-loglevel", "error"}, input...)
	return append(args, output...)
}

var _ pipeline.FrameSource = (*DeviceSource)(nil)
