package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gatewatch/internal/logging"
)

// DefaultUploadTimeout bounds one at-rest submission, video included
const DefaultUploadTimeout = 10 * time.Minute

// UploadPipeline submits at-rest media for one channel.
// It only accepts work while its channel is in upload mode.
type UploadPipeline struct {
	channel  Channel
	analyzer FileAnalyzer
	sessions SessionSource
	renderer Renderer
	recorder UploadRecorder

	displayWidth  int
	displayHeight int
	timeout       time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	active     bool
	generation uint64
	job        *UploadJob
	wg         sync.WaitGroup

	log zerolog.Logger
}

// UploadConfig holds per-channel upload settings
type UploadConfig struct {
	Channel       Channel
	DisplayWidth  int // 0 means draw at the image's natural resolution
	DisplayHeight int
	Timeout       time.Duration
}

// NewUploadPipeline creates an inactive upload pipeline
func NewUploadPipeline(cfg UploadConfig, analyzer FileAnalyzer, sessions SessionSource, renderer Renderer, recorder UploadRecorder) *UploadPipeline {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultUploadTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UploadPipeline{
		channel:       cfg.Channel,
		analyzer:      analyzer,
		sessions:      sessions,
		renderer:      renderer,
		recorder:      recorder,
		displayWidth:  cfg.DisplayWidth,
		displayHeight: cfg.DisplayHeight,
		timeout:       timeout,
		ctx:           ctx,
		cancel:        cancel,
		log:           logging.Component("upload").With().Str("channel", string(cfg.Channel)).Logger(),
	}
}

// Activate allows submissions
func (p *UploadPipeline) Activate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
}

// Deactivate refuses further submissions and clears the current job.
// A submission still in flight is left to finish but its result is dropped.
func (p *UploadPipeline) Deactivate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
	p.job = nil
	p.generation++
}

// Active reports whether the pipeline accepts submissions
func (p *UploadPipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Job returns a copy of the current job
func (p *UploadPipeline) Job() (UploadJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job == nil {
		return UploadJob{}, false
	}
	return p.job.clone(), true
}

// Clear drops the current job and its overlay
func (p *UploadPipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.job = nil
	p.generation++
	p.renderer.Clear(p.channel)
}

// Close aborts outstanding submissions and waits for them
func (p *UploadPipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Submit analyzes a file and blocks until the job is terminal
func (p *UploadPipeline) Submit(ctx context.Context, fileName string, data []byte) (UploadJob, error) {
	job, gen, err := p.newJob(fileName, data)
	if err != nil {
		return UploadJob{}, err
	}
	p.wg.Add(1)
	defer p.wg.Done()
	return p.run(ctx, gen, job), nil
}

// SubmitAsync starts the analysis and returns the pending job immediately.
// Progress is observed through Job.
func (p *UploadPipeline) SubmitAsync(fileName string, data []byte) (UploadJob, error) {
	job, gen, err := p.newJob(fileName, data)
	if err != nil {
		return UploadJob{}, err
	}
	snapshot := p.snapshot(job)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(p.ctx, gen, job)
	}()
	return snapshot, nil
}

// Retry re-issues the failed submission with the same file and blocks until terminal
func (p *UploadPipeline) Retry(ctx context.Context) (UploadJob, error) {
	job, gen, err := p.prepareRetry()
	if err != nil {
		return UploadJob{}, err
	}
	p.wg.Add(1)
	defer p.wg.Done()
	return p.run(ctx, gen, job), nil
}

// RetryAsync re-issues the failed submission in the background
func (p *UploadPipeline) RetryAsync() (UploadJob, error) {
	job, gen, err := p.prepareRetry()
	if err != nil {
		return UploadJob{}, err
	}
	snapshot := p.snapshot(job)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(p.ctx, gen, job)
	}()
	return snapshot, nil
}

func (p *UploadPipeline) snapshot(job *UploadJob) UploadJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return job.clone()
}

func (p *UploadPipeline) newJob(fileName string, data []byte) (*UploadJob, uint64, error) {
	kind, _, err := DetectKind(fileName, data)
	if err != nil {
		return nil, 0, err
	}

	now := time.Now()
	job := &UploadJob{
		ID:        uuid.NewString(),
		Channel:   p.channel,
		FileName:  fileName,
		Kind:      kind,
		Status:    UploadPending,
		CreatedAt: now,
		UpdatedAt: now,
		data:      data,
	}

	if kind == FileKindImage {
		if w, h, err := ImageSize(data); err == nil {
			job.FrameWidth, job.FrameHeight = w, h
		} else {
			p.log.Debug().Err(err).Str("file", fileName).Msg("image resolution unknown")
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil, 0, ErrUploadInactive
	}
	p.generation++
	p.job = job
	p.renderer.Clear(p.channel)

	p.log.Info().Str("job_id", job.ID).Str("file", fileName).Str("kind", string(kind)).Int("bytes", len(data)).Msg("upload job created")
	return job, p.generation, nil
}

func (p *UploadPipeline) prepareRetry() (*UploadJob, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return nil, 0, ErrUploadInactive
	}
	if p.job == nil {
		return nil, 0, ErrNoUploadJob
	}
	if p.job.Status != UploadFailed {
		return nil, 0, ErrRetryNotAllowed
	}

	p.generation++
	p.job.Status = UploadPending
	p.job.Error = ""
	p.job.UpdatedAt = time.Now()

	p.log.Info().Str("job_id", p.job.ID).Int("attempt", p.job.Attempts+1).Msg("retrying upload")
	return p.job, p.generation, nil
}

// run performs one submission attempt for job under generation gen
func (p *UploadPipeline) run(ctx context.Context, gen uint64, job *UploadJob) UploadJob {
	sessionID, ok := p.sessions.ActiveSessionID()

	p.mu.Lock()
	if gen != p.generation {
		snapshot := job.clone()
		p.mu.Unlock()
		return snapshot
	}
	job.Attempts++
	job.UpdatedAt = time.Now()
	if !ok {
		job.Status = UploadFailed
		job.Error = ErrNoActiveSession.Error()
		snapshot := job.clone()
		p.mu.Unlock()
		return snapshot
	}
	job.Status = UploadUploading
	data, name, kind := job.data, job.FileName, job.Kind
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	analysis, err := p.analyzer.SubmitFile(ctx, sessionID, p.channel, name, data, kind)
	cancel()

	p.mu.Lock()
	if gen != p.generation {
		snapshot := job.clone()
		p.mu.Unlock()
		p.log.Debug().Str("job_id", job.ID).Msg("discarding result of superseded upload")
		return snapshot
	}

	job.UpdatedAt = time.Now()
	if err != nil {
		job.Status = UploadFailed
		job.Error = err.Error()
		p.log.Warn().Err(err).Str("job_id", job.ID).Str("fault", KindOf(err).String()).Msg("upload failed")
	} else {
		job.Status = UploadSucceeded
		job.Results = analysis.Results
		if job.FrameWidth == 0 || job.FrameHeight == 0 {
			job.FrameWidth, job.FrameHeight = analysis.FrameWidth, analysis.FrameHeight
		}
		p.renderer.Render(p.channel, p.surfaceFor(job), job.Results, p.frameFor(job))
		p.log.Info().Str("job_id", job.ID).Int("faces", len(job.Results)).Msg("upload analyzed")
	}
	snapshot := job.clone()
	p.mu.Unlock()

	if err != nil && IsSessionInvalid(err) {
		p.sessions.ReportNotFound(sessionID)
	}
	if p.recorder != nil {
		if rerr := p.recorder.RecordUpload(sessionID, snapshot); rerr != nil {
			p.log.Warn().Err(rerr).Str("job_id", job.ID).Msg("failed to record upload")
		}
	}
	return snapshot
}

// surfaceFor builds the at-rest surface. Mirroring never applies to files.
func (p *UploadPipeline) surfaceFor(job *UploadJob) DisplaySurface {
	s := DisplaySurface{
		NativeWidth:   job.FrameWidth,
		NativeHeight:  job.FrameHeight,
		DisplayWidth:  p.displayWidth,
		DisplayHeight: p.displayHeight,
	}
	if s.DisplayWidth <= 0 || s.DisplayHeight <= 0 {
		s.DisplayWidth, s.DisplayHeight = s.NativeWidth, s.NativeHeight
	}
	return s
}

func (p *UploadPipeline) frameFor(job *UploadJob) []byte {
	if job.Kind == FileKindImage {
		return job.data
	}
	return nil
}
