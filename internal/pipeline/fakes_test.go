package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	open    bool
	opens   int
	closes  int
	openErr error
	frame   *FrameSample
}

func newFakeSource(t *testing.T) *fakeSource {
	return &fakeSource{frame: &FrameSample{Data: testJPEG(t, 64, 48), Width: 1280, Height: 720}}
}

func (s *fakeSource) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	if !s.open {
		s.opens++
	}
	s.open = true
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		s.closes++
	}
	s.open = false
	return nil
}

func (s *fakeSource) Latest() (*FrameSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.frame == nil {
		return nil, false
	}
	f := *s.frame
	return &f, true
}

func (s *fakeSource) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSource) setFrame(f *FrameSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = f
}

// fakeAnalyzer answers submissions. When gated, each call waits for a
// value on release.
type fakeAnalyzer struct {
	gated   bool
	release chan struct{}

	mu       sync.Mutex
	results  []DetectionResult
	err      error
	fileErrs []error
	calls    int
	files    []string

	inflight    atomic.Int32
	maxInflight atomic.Int32
	started     chan struct{}
}

func newFakeAnalyzer(gated bool) *fakeAnalyzer {
	return &fakeAnalyzer{
		gated:   gated,
		release: make(chan struct{}),
		started: make(chan struct{}, 16),
		results: []DetectionResult{{BBox: json.RawMessage(`[100,100,50,50]`), Emotion: "Happy"}},
	}
}

func (a *fakeAnalyzer) enter() {
	n := a.inflight.Add(1)
	for {
		peak := a.maxInflight.Load()
		if n <= peak || a.maxInflight.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case a.started <- struct{}{}:
	default:
	}
}

func (a *fakeAnalyzer) wait(ctx context.Context) error {
	defer a.inflight.Add(-1)
	if !a.gated {
		return nil
	}
	select {
	case <-a.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *fakeAnalyzer) SubmitFrame(ctx context.Context, sessionID string, sample *FrameSample) ([]DetectionResult, error) {
	a.enter()
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.results, a.err
}

func (a *fakeAnalyzer) SubmitFile(ctx context.Context, sessionID string, channel Channel, fileName string, data []byte, kind FileKind) (*FileAnalysis, error) {
	a.enter()
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.files = append(a.files, fileName)
	if len(a.fileErrs) > 0 {
		err := a.fileErrs[0]
		a.fileErrs = a.fileErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &FileAnalysis{Results: a.results, FrameWidth: 1920, FrameHeight: 1080}, nil
}

func (a *fakeAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeSessions struct {
	mu       sync.Mutex
	id       string
	notFound []string
}

func (s *fakeSessions) ActiveSessionID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.id != ""
}

func (s *fakeSessions) ReportNotFound(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notFound = append(s.notFound, id)
	if s.id == id {
		s.id = ""
	}
}

func (s *fakeSessions) reported() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.notFound...)
}

type renderCall struct {
	channel Channel
	surface DisplaySurface
	results []DetectionResult
	frame   []byte
}

type fakeRenderer struct {
	mu      sync.Mutex
	renders []renderCall
	clears  int
}

func (r *fakeRenderer) Render(channel Channel, surface DisplaySurface, results []DetectionResult, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = append(r.renders, renderCall{channel, surface, results, frame})
}

func (r *fakeRenderer) Clear(Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
}

func (r *fakeRenderer) renderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.renders)
}

func (r *fakeRenderer) last() renderCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renders[len(r.renders)-1]
}

type fakeRecorder struct {
	mu   sync.Mutex
	jobs []UploadJob
}

func (r *fakeRecorder) RecordUpload(_ string, job UploadJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

var errBoom = errors.New("boom")
