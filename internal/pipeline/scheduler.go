package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gatewatch/internal/logging"
)

const (
	// DefaultCaptureInterval is the nominal time between capture ticks
	DefaultCaptureInterval = 1200 * time.Millisecond
	// DefaultRequestTimeout bounds a single analysis request
	DefaultRequestTimeout = 15 * time.Second
)

// TickOutcome reports what a capture tick did
type TickOutcome int

const (
	TickSubmitted TickOutcome = iota
	TickSkippedBusy
	TickSkippedNoFrame
	TickSkippedNoSession
	TickStopped
)

func (o TickOutcome) String() string {
	switch o {
	case TickSubmitted:
		return "submitted"
	case TickSkippedBusy:
		return "skipped_busy"
	case TickSkippedNoFrame:
		return "skipped_no_frame"
	case TickSkippedNoSession:
		return "skipped_no_session"
	case TickStopped:
		return "stopped"
	}
	return "unknown"
}

// DeliverFunc receives the results of a completed, still-current submission.
// It is called with the scheduler lock held and must not call back into the scheduler.
type DeliverFunc func(sample *FrameSample, results []DetectionResult)

// CaptureScheduler samples one channel's source on a fixed interval and
// submits each frame for analysis. At most one submission is outstanding per
// generation: ticks that find a request in flight are dropped, never queued.
type CaptureScheduler struct {
	channel  Channel
	interval time.Duration
	timeout  time.Duration
	source   FrameSource
	analyzer FrameAnalyzer
	sessions SessionSource
	deliver  DeliverFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	running    bool
	busy       bool // kept across Stop/Start until the outstanding request returns
	generation uint64
	stopCh     chan struct{}
	loopDone   chan struct{}
	inflight   sync.WaitGroup
	deliverMu  sync.Mutex
	stats      SchedulerStats

	log zerolog.Logger
}

// NewCaptureScheduler creates a stopped scheduler for a channel
func NewCaptureScheduler(channel Channel, interval, timeout time.Duration, source FrameSource, analyzer FrameAnalyzer, sessions SessionSource, deliver DeliverFunc) *CaptureScheduler {
	if interval <= 0 {
		interval = DefaultCaptureInterval
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if deliver == nil {
		deliver = func(*FrameSample, []DetectionResult) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CaptureScheduler{
		channel:  channel,
		interval: interval,
		timeout:  timeout,
		source:   source,
		analyzer: analyzer,
		sessions: sessions,
		deliver:  deliver,
		ctx:      ctx,
		cancel:   cancel,
		stats:    SchedulerStats{Channel: channel},
		log:      logging.Component("scheduler").With().Str("channel", string(channel)).Logger(),
	}
}

// Start begins ticking. Starting a running scheduler is a no-op.
func (s *CaptureScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.generation++
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})

	go s.loop(s.stopCh, s.loopDone)

	s.log.Info().Dur("interval", s.interval).Uint64("generation", s.generation).Msg("capture started")
}

// Stop cancels future ticks. When Stop returns no further tick will fire.
// A request already in flight is not aborted; its result is discarded and
// the next generation does not submit until it returns. Stop is idempotent.
func (s *CaptureScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.generation++
	close(s.stopCh)
	done := s.loopDone
	s.mu.Unlock()

	<-done
	// wait for a delivery that passed the generation check
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
	s.log.Info().Msg("capture stopped")
}

// Close stops the scheduler, aborts outstanding requests and waits for them
func (s *CaptureScheduler) Close() {
	s.Stop()
	s.cancel()
	s.inflight.Wait()
}

// Running reports whether the timer is active
func (s *CaptureScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Generation returns the current generation tag
func (s *CaptureScheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Stats returns a copy of the capture counters
func (s *CaptureScheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Running = s.running
	return stats
}

func (s *CaptureScheduler) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// stop wins over a tick that became ready at the same time
			select {
			case <-stopCh:
				return
			default:
			}
			s.tick()
		}
	}
}

// tick runs one capture step
func (s *CaptureScheduler) tick() TickOutcome {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return TickStopped
	}
	s.stats.Ticks++
	if s.busy {
		s.stats.SkippedBusy++
		s.mu.Unlock()
		return TickSkippedBusy
	}
	s.mu.Unlock()

	sessionID, ok := s.sessions.ActiveSessionID()
	if !ok {
		s.count(func(st *SchedulerStats) { st.SkippedNoSess++ })
		return TickSkippedNoSession
	}

	sample, ok := s.source.Latest()
	if !ok || sample == nil || len(sample.Data) == 0 {
		s.count(func(st *SchedulerStats) { st.SkippedNoFrame++ })
		return TickSkippedNoFrame
	}
	sample.Channel = s.channel

	s.mu.Lock()
	if !s.running || s.busy {
		s.mu.Unlock()
		return TickStopped
	}
	s.busy = true
	gen := s.generation
	s.stats.Submitted++
	s.inflight.Add(1)
	s.mu.Unlock()

	go s.submit(gen, sessionID, sample)
	return TickSubmitted
}

func (s *CaptureScheduler) count(f func(*SchedulerStats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

func (s *CaptureScheduler) submit(gen uint64, sessionID string, sample *FrameSample) {
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	results, err := s.analyzer.SubmitFrame(ctx, sessionID, sample)
	cancel()

	s.deliverMu.Lock()
	invalid, current := false, false

	s.mu.Lock()
	s.busy = false
	switch {
	case gen != s.generation:
		s.stats.StaleDiscarded++
		s.log.Debug().Uint64("generation", gen).Uint64("current", s.generation).Msg("discarding stale result")
	case err != nil:
		s.stats.Failures++
		kind := KindOf(err)
		if kind == FaultSessionInvalid {
			invalid = true
			s.log.Warn().Err(err).Str("session_id", sessionID).Msg("session rejected by server")
		} else {
			s.log.Warn().Err(err).Str("fault", kind.String()).Uint64("seq", sample.Seq).Msg("frame analysis failed, skipping tick")
		}
	default:
		current = true
		s.stats.LastResultTime = time.Now().Unix()
		s.stats.LastFaceCount = len(results)
	}
	s.mu.Unlock()

	if current {
		s.deliver(sample, results)
	}
	s.deliverMu.Unlock()

	if invalid {
		s.sessions.ReportNotFound(sessionID)
	}
}
