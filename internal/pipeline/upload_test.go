package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUploads(t *testing.T, an *fakeAnalyzer, sess *fakeSessions, r *fakeRenderer, rec *fakeRecorder) *UploadPipeline {
	t.Helper()
	p := NewUploadPipeline(UploadConfig{Channel: ChannelEntry, Timeout: time.Second}, an, sess, r, rec)
	t.Cleanup(p.Close)
	return p
}

func TestUploadImageSucceeds(t *testing.T) {
	an := newFakeAnalyzer(false)
	r := &fakeRenderer{}
	rec := &fakeRecorder{}
	p := newTestUploads(t, an, &fakeSessions{id: "S1"}, r, rec)
	p.Activate()

	img := testJPEG(t, 320, 240)
	job, err := p.Submit(context.Background(), "class.jpg", img)
	require.NoError(t, err)

	assert.Equal(t, UploadSucceeded, job.Status)
	assert.Equal(t, FileKindImage, job.Kind)
	assert.Equal(t, 1, job.Attempts)
	assert.Len(t, job.Results, 1)

	// the image's own resolution wins over the service's
	assert.Equal(t, 320, job.FrameWidth)
	assert.Equal(t, 240, job.FrameHeight)

	require.Equal(t, 1, r.renderCount())
	call := r.last()
	assert.False(t, call.surface.Mirrored, "files are never mirrored")
	assert.Equal(t, 320, call.surface.NativeWidth)
	assert.Equal(t, 320, call.surface.DisplayWidth)
	assert.Equal(t, img, call.frame)

	require.Len(t, rec.jobs, 1)
	assert.Equal(t, UploadSucceeded, rec.jobs[0].Status)

	current, ok := p.Job()
	require.True(t, ok)
	assert.Equal(t, job.ID, current.ID)
}

func TestUploadFailureThenRetryOnce(t *testing.T) {
	an := newFakeAnalyzer(false)
	an.fileErrs = []error{NewFault(FaultTransient, "submitFile", 503, errBoom)}
	r := &fakeRenderer{}
	p := newTestUploads(t, an, &fakeSessions{id: "S1"}, r, &fakeRecorder{})
	p.Activate()

	img := testJPEG(t, 32, 32)
	job, err := p.Submit(context.Background(), "class.png", img)
	require.NoError(t, err)
	assert.Equal(t, UploadFailed, job.Status)
	assert.NotEmpty(t, job.Error)
	assert.Zero(t, r.renderCount())

	// no automatic retry happened
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, an.callCount())

	retried, err := p.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.ID, retried.ID)
	assert.Equal(t, UploadSucceeded, retried.Status)
	assert.Equal(t, 2, retried.Attempts)
	assert.Empty(t, retried.Error)
	assert.Equal(t, []string{"class.png", "class.png"}, an.files)
	assert.Equal(t, 1, r.renderCount())

	// a succeeded job cannot be retried
	_, err = p.Retry(context.Background())
	assert.ErrorIs(t, err, ErrRetryNotAllowed)
	assert.Equal(t, 2, an.callCount())
}

func TestRetryWithoutJob(t *testing.T) {
	p := newTestUploads(t, newFakeAnalyzer(false), &fakeSessions{id: "S1"}, &fakeRenderer{}, nil)
	p.Activate()
	_, err := p.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNoUploadJob)
}

func TestUploadRequiresActivePipeline(t *testing.T) {
	an := newFakeAnalyzer(false)
	p := newTestUploads(t, an, &fakeSessions{id: "S1"}, &fakeRenderer{}, nil)

	_, err := p.Submit(context.Background(), "class.jpg", testJPEG(t, 8, 8))
	assert.ErrorIs(t, err, ErrUploadInactive)

	_, err = p.Retry(context.Background())
	assert.ErrorIs(t, err, ErrUploadInactive)
	assert.Zero(t, an.callCount())
}

func TestUploadRejectsUnsupportedMedia(t *testing.T) {
	an := newFakeAnalyzer(false)
	p := newTestUploads(t, an, &fakeSessions{id: "S1"}, &fakeRenderer{}, nil)
	p.Activate()

	_, err := p.Submit(context.Background(), "notes.txt", []byte("hello"))
	assert.ErrorIs(t, err, ErrUnsupportedMedia)
	_, ok := p.Job()
	assert.False(t, ok)
	assert.Zero(t, an.callCount())
}

func TestUploadWithoutSessionFails(t *testing.T) {
	an := newFakeAnalyzer(false)
	p := newTestUploads(t, an, &fakeSessions{}, &fakeRenderer{}, nil)
	p.Activate()

	job, err := p.Submit(context.Background(), "class.jpg", testJPEG(t, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, UploadFailed, job.Status)
	assert.Equal(t, ErrNoActiveSession.Error(), job.Error)
	assert.Zero(t, an.callCount())
}

func TestUploadVideoUsesServiceResolution(t *testing.T) {
	an := newFakeAnalyzer(false)
	r := &fakeRenderer{}
	p := newTestUploads(t, an, &fakeSessions{id: "S1"}, r, nil)
	p.Activate()

	job, err := p.Submit(context.Background(), "lecture.mp4", []byte("not really an mp4"))
	require.NoError(t, err)
	assert.Equal(t, FileKindVideo, job.Kind)
	assert.Equal(t, UploadSucceeded, job.Status)
	assert.Equal(t, 1920, job.FrameWidth)

	call := r.last()
	assert.Nil(t, call.frame)
	assert.Equal(t, 1080, call.surface.NativeHeight)
}

func TestUploadAsyncReportsProgress(t *testing.T) {
	an := newFakeAnalyzer(true)
	p := newTestUploads(t, an, &fakeSessions{id: "S1"}, &fakeRenderer{}, nil)
	p.Activate()

	job, err := p.SubmitAsync("lecture.mov", []byte("moov"))
	require.NoError(t, err)
	assert.Equal(t, UploadPending, job.Status)

	<-an.started
	current, _ := p.Job()
	assert.Equal(t, UploadUploading, current.Status)

	an.release <- struct{}{}
	require.Eventually(t, func() bool {
		j, _ := p.Job()
		return j.Status == UploadSucceeded
	}, time.Second, 5*time.Millisecond)
}

func TestUploadResultDroppedAfterDeactivate(t *testing.T) {
	an := newFakeAnalyzer(true)
	r := &fakeRenderer{}
	rec := &fakeRecorder{}
	p := newTestUploads(t, an, &fakeSessions{id: "S1"}, r, rec)
	p.Activate()

	_, err := p.SubmitAsync("class.jpg", testJPEG(t, 8, 8))
	require.NoError(t, err)
	<-an.started

	p.Deactivate()
	an.release <- struct{}{}

	require.Eventually(t, func() bool { return an.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, r.renderCount())
	_, ok := p.Job()
	assert.False(t, ok)
	assert.Empty(t, rec.jobs)
}

func TestUploadNewJobSupersedesOld(t *testing.T) {
	an := newFakeAnalyzer(true)
	r := &fakeRenderer{}
	p := newTestUploads(t, an, &fakeSessions{id: "S1"}, r, nil)
	p.Activate()

	first, err := p.SubmitAsync("a.jpg", testJPEG(t, 8, 8))
	require.NoError(t, err)
	<-an.started

	second, err := p.SubmitAsync("b.jpg", testJPEG(t, 8, 8))
	require.NoError(t, err)
	<-an.started

	an.release <- struct{}{}
	an.release <- struct{}{}

	require.Eventually(t, func() bool {
		j, _ := p.Job()
		return j.Status == UploadSucceeded
	}, time.Second, 5*time.Millisecond)

	j, _ := p.Job()
	assert.Equal(t, second.ID, j.ID)
	assert.NotEqual(t, first.ID, j.ID)
	assert.Equal(t, 1, r.renderCount())
}

func TestUploadSessionInvalidReported(t *testing.T) {
	an := newFakeAnalyzer(false)
	an.fileErrs = []error{NewFault(FaultSessionInvalid, "submitFile", 404, errBoom)}
	sess := &fakeSessions{id: "S1"}
	p := newTestUploads(t, an, sess, &fakeRenderer{}, nil)
	p.Activate()

	job, err := p.Submit(context.Background(), "class.jpg", testJPEG(t, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, UploadFailed, job.Status)
	assert.Equal(t, []string{"S1"}, sess.reported())
}

func TestUploadClear(t *testing.T) {
	r := &fakeRenderer{}
	p := newTestUploads(t, newFakeAnalyzer(false), &fakeSessions{id: "S1"}, r, nil)
	p.Activate()

	_, err := p.Submit(context.Background(), "class.jpg", testJPEG(t, 8, 8))
	require.NoError(t, err)

	clears := r.clears
	p.Clear()
	_, ok := p.Job()
	assert.False(t, ok)
	assert.Equal(t, clears+1, r.clears)
}
