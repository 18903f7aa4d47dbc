package report

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gatewatch/internal/analysis"
	"gatewatch/internal/logging"
	"gatewatch/internal/pipeline"
)

// DefaultInterval is the time between report refreshes
const DefaultInterval = 2 * time.Second

// Fetcher loads the report of a session. analysis.Client implements it.
type Fetcher interface {
	GetReport(ctx context.Context, sessionID string) (*analysis.Report, error)
}

// Poller refreshes the active session's report on a fixed interval.
// A report request that finds the session gone invalidates it and ends the loop.
type Poller struct {
	fetcher  Fetcher
	sessions pipeline.SessionSource
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	latest   *analysis.Report
	latestID string
	failures int

	log zerolog.Logger
}

// NewPoller creates a stopped poller
func NewPoller(fetcher Fetcher, sessions pipeline.SessionSource, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		fetcher:  fetcher,
		sessions: sessions,
		interval: interval,
		timeout:  pipeline.DefaultRequestTimeout,
		log:      logging.Component("report"),
	}
}

// Start begins polling immediately. Starting a running poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx, p.done)
	p.log.Info().Dur("interval", p.interval).Msg("report polling started")
}

// Stop ends polling and aborts a request in flight. It is idempotent and
// safe to call from an invalidation listener.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	done := p.done
	p.mu.Unlock()

	<-done
	p.log.Info().Msg("report polling stopped")
}

// Running reports whether the loop is active
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Latest returns the last report fetched for the active session
func (p *Poller) Latest() (analysis.Report, bool) {
	id, ok := p.sessions.ActiveSessionID()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !ok || p.latest == nil || p.latestID != id {
		return analysis.Report{}, false
	}
	return *p.latest, true
}

// Failures returns the number of failed refreshes since creation
func (p *Poller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Clear forgets the last report
func (p *Poller) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = nil
	p.latestID = ""
}

func (p *Poller) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if !p.poll(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll fetches one report and reports whether the loop should continue
func (p *Poller) poll(ctx context.Context) bool {
	id, ok := p.sessions.ActiveSessionID()
	if !ok {
		return true
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	rep, err := p.fetcher.GetReport(reqCtx, id)
	cancel()

	if ctx.Err() != nil {
		return false
	}

	if err != nil {
		if pipeline.IsSessionInvalid(err) {
			p.mu.Lock()
			p.running = false
			p.latest = nil
			p.latestID = ""
			p.mu.Unlock()

			p.log.Warn().Str("session_id", id).Msg("report request found no session")
			// the poller is no longer running, so a listener calling Stop returns at once
			p.sessions.ReportNotFound(id)
			return false
		}
		p.mu.Lock()
		p.failures++
		p.mu.Unlock()
		p.log.Warn().Err(err).Str("fault", pipeline.KindOf(err).String()).Msg("report refresh failed")
		return true
	}

	p.mu.Lock()
	p.latest = rep
	p.latestID = id
	p.mu.Unlock()

	p.log.Debug().Str("session_id", id).Int("entry_faces", rep.EntryStats.TotalFaces).Int("exit_faces", rep.ExitStats.TotalFaces).Msg("report refreshed")
	return true
}
