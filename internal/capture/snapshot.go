package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gatewatch/internal/logging"
	"gatewatch/internal/pipeline"
)

const maxSnapshotSize = 16 << 20

// SnapshotConfig describes an HTTP endpoint returning one JPEG per request
type SnapshotConfig struct {
	Channel  pipeline.Channel
	URL      string
	Interval time.Duration // polling interval, default 200ms
	Timeout  time.Duration // per request, default 10s
}

// SnapshotSource polls an HTTP image endpoint into a mailbox
type SnapshotSource struct {
	config SnapshotConfig
	client *http.Client
	box    *mailbox

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	log zerolog.Logger
}

// NewSnapshotSource creates a closed snapshot source
func NewSnapshotSource(cfg SnapshotConfig) *SnapshotSource {
	if cfg.Interval < 100*time.Millisecond {
		cfg.Interval = 200 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SnapshotSource{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		box:    newMailbox(cfg.Channel, 0, 0),
		log:    logging.Component("capture").With().Str("channel", string(cfg.Channel)).Str("url", cfg.URL).Logger(),
	}
}

// Open starts polling. The first frame is fetched before Open returns so
// the source is ready as soon as the endpoint answers.
func (s *SnapshotSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	s.box.reset()
	if err := s.fetch(ctx); err != nil {
		s.log.Warn().Err(err).Msg("first snapshot failed, source not ready yet")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.poll(runCtx, s.done)

	s.log.Info().Dur("interval", s.config.Interval).Msg("snapshot polling started")
	return nil
}

// Close stops polling
func (s *SnapshotSource) Close() error {
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
	s.log.Info().Msg("snapshot polling stopped")
	return nil
}

// Latest returns the newest frame
func (s *SnapshotSource) Latest() (*pipeline.FrameSample, bool) {
	s.mu.Lock()
	open := s.cancel != nil
	s.mu.Unlock()
	if !open {
		return nil, false
	}
	return s.box.get()
}

// Stats returns the frame counters
func (s *SnapshotSource) Stats() Stats {
	return s.box.snapshot()
}

func (s *SnapshotSource) poll(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.fetch(ctx); err != nil && ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("snapshot fetch failed")
			}
		}
	}
}

func (s *SnapshotSource) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot endpoint returned status %d", resp.StatusCode)
	}
	frame, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotSize))
	if err != nil {
		return fmt.Errorf("error reading frame: %w", err)
	}
	if len(frame) == 0 {
		return fmt.Errorf("empty frame")
	}
	s.box.put(frame)
	return nil
}

var _ pipeline.FrameSource = (*SnapshotSource)(nil)
