package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type modeFixture struct {
	src       *fakeSource
	an        *fakeAnalyzer
	renderer  *fakeRenderer
	scheduler *CaptureScheduler
	uploads   *UploadPipeline
	modes     *ModeController
}

func newModeFixture(t *testing.T) *modeFixture {
	t.Helper()
	f := &modeFixture{
		src:      newFakeSource(t),
		an:       newFakeAnalyzer(false),
		renderer: &fakeRenderer{},
	}
	sess := &fakeSessions{id: "S1"}
	f.scheduler = NewCaptureScheduler(ChannelEntry, time.Hour, time.Second, f.src, f.an, sess, nil)
	f.uploads = NewUploadPipeline(UploadConfig{Channel: ChannelEntry}, f.an, sess, f.renderer, nil)
	f.modes = NewModeController(ChannelEntry, f.src, f.scheduler, f.uploads, f.renderer)
	t.Cleanup(func() {
		f.modes.Stop()
		f.scheduler.Close()
		f.uploads.Close()
	})
	return f
}

func TestModeLiveUploadLive(t *testing.T) {
	f := newModeFixture(t)
	ctx := context.Background()

	require.NoError(t, f.modes.Start(ctx, ModeLive))
	assert.True(t, f.src.isOpen())
	assert.True(t, f.scheduler.Running())
	assert.False(t, f.uploads.Active())

	require.NoError(t, f.modes.SetMode(ctx, ModeUpload))
	assert.Equal(t, ModeUpload, f.modes.Mode())
	assert.False(t, f.src.isOpen(), "device released in upload mode")
	assert.False(t, f.scheduler.Running())
	assert.True(t, f.uploads.Active())
	assert.Equal(t, TickStopped, f.scheduler.tick())

	require.NoError(t, f.modes.SetMode(ctx, ModeLive))
	assert.True(t, f.src.isOpen())
	assert.True(t, f.scheduler.Running())
	assert.False(t, f.uploads.Active())

	assert.Equal(t, 2, f.src.opens)
	assert.Equal(t, 1, f.src.closes)
	assert.Equal(t, 2, f.renderer.clears, "overlay cleared on every switch")
}

func TestModeSwitchToSameModeIsNoop(t *testing.T) {
	f := newModeFixture(t)
	ctx := context.Background()

	require.NoError(t, f.modes.Start(ctx, ModeLive))
	gen := f.scheduler.Generation()

	require.NoError(t, f.modes.SetMode(ctx, ModeLive))
	assert.Equal(t, gen, f.scheduler.Generation())
	assert.Equal(t, 1, f.src.opens)
}

func TestModeOpenFailureFallsBack(t *testing.T) {
	f := newModeFixture(t)
	ctx := context.Background()

	require.NoError(t, f.modes.Start(ctx, ModeUpload))
	assert.True(t, f.uploads.Active())

	f.src.openErr = errors.New("device busy")
	err := f.modes.SetMode(ctx, ModeLive)
	require.Error(t, err)

	assert.Equal(t, ModeUpload, f.modes.Mode())
	assert.True(t, f.modes.Started())
	assert.True(t, f.uploads.Active())
	assert.False(t, f.scheduler.Running())
}

func TestModeStartFailure(t *testing.T) {
	f := newModeFixture(t)
	f.src.openErr = errors.New("no such device")

	require.Error(t, f.modes.Start(context.Background(), ModeLive))
	assert.True(t, f.modes.Started())
	assert.Equal(t, ModeUpload, f.modes.Mode(), "falls back to upload")
	assert.True(t, f.uploads.Active())
	assert.False(t, f.scheduler.Running())
	assert.False(t, f.src.isOpen())
}

func TestModeRecoversAfterStartFailure(t *testing.T) {
	f := newModeFixture(t)
	ctx := context.Background()
	f.src.openErr = errors.New("no such device")
	require.Error(t, f.modes.Start(ctx, ModeLive))

	require.NoError(t, f.modes.SetMode(ctx, ModeUpload))
	job, err := f.uploads.Submit(ctx, "class.jpg", testJPEG(t, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, UploadSucceeded, job.Status)

	f.src.openErr = nil
	require.NoError(t, f.modes.SetMode(ctx, ModeLive))
	assert.Equal(t, ModeLive, f.modes.Mode())
	assert.True(t, f.src.isOpen())
	assert.True(t, f.scheduler.Running())
	assert.False(t, f.uploads.Active())
}

func TestModeSetWhileStoppedIsRemembered(t *testing.T) {
	f := newModeFixture(t)
	ctx := context.Background()

	require.NoError(t, f.modes.SetMode(ctx, ModeUpload))
	assert.False(t, f.modes.Started())
	assert.False(t, f.uploads.Active())
	assert.Zero(t, f.src.opens)

	require.NoError(t, f.modes.Start(ctx, f.modes.Mode()))
	assert.True(t, f.uploads.Active())
	assert.False(t, f.src.isOpen())
}

func TestModeStopReleasesEverything(t *testing.T) {
	f := newModeFixture(t)
	ctx := context.Background()

	require.NoError(t, f.modes.Start(ctx, ModeLive))
	f.modes.Stop()
	f.modes.Stop()

	assert.False(t, f.modes.Started())
	assert.False(t, f.src.isOpen())
	assert.False(t, f.scheduler.Running())
	assert.False(t, f.uploads.Active())
	assert.Equal(t, 1, f.src.closes)
}

func TestModeSwitchDropsInFlightUpload(t *testing.T) {
	f := newModeFixture(t)
	f.an.gated = true
	ctx := context.Background()

	require.NoError(t, f.modes.Start(ctx, ModeUpload))
	_, err := f.uploads.SubmitAsync("class.jpg", testJPEG(t, 8, 8))
	require.NoError(t, err)
	<-f.an.started

	require.NoError(t, f.modes.SetMode(ctx, ModeLive))
	f.an.release <- struct{}{}

	require.Eventually(t, func() bool { return f.an.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.renderer.renderCount())
}
