package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deliverLog struct {
	mu    sync.Mutex
	calls int
}

func (d *deliverLog) deliver(*FrameSample, []DetectionResult) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
}

func (d *deliverLog) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// newIdleScheduler returns a started scheduler whose timer never fires
// during a test, so ticks are driven by hand
func newIdleScheduler(t *testing.T, src *fakeSource, an *fakeAnalyzer, sess *fakeSessions, d *deliverLog) *CaptureScheduler {
	t.Helper()
	s := NewCaptureScheduler(ChannelEntry, time.Hour, time.Second, src, an, sess, d.deliver)
	t.Cleanup(s.Close)
	return s
}

func TestTickBusyDrop(t *testing.T) {
	src := newFakeSource(t)
	require.NoError(t, src.Open(context.Background()))
	an := newFakeAnalyzer(true)
	d := &deliverLog{}
	s := newIdleScheduler(t, src, an, &fakeSessions{id: "S1"}, d)
	s.Start()

	assert.Equal(t, TickSubmitted, s.tick())
	<-an.started
	assert.Equal(t, TickSkippedBusy, s.tick())
	assert.Equal(t, TickSkippedBusy, s.tick())

	an.release <- struct{}{}
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, TickSubmitted, s.tick())
	<-an.started
	an.release <- struct{}{}
	require.Eventually(t, func() bool { return d.count() == 2 }, time.Second, 5*time.Millisecond)

	st := s.Stats()
	assert.EqualValues(t, 4, st.Ticks)
	assert.EqualValues(t, 2, st.Submitted)
	assert.EqualValues(t, 2, st.SkippedBusy)
	assert.Equal(t, 1, st.LastFaceCount)
	assert.EqualValues(t, 1, an.maxInflight.Load())
}

func TestTickAtMostOneInFlightUnderLoad(t *testing.T) {
	src := newFakeSource(t)
	require.NoError(t, src.Open(context.Background()))
	an := newFakeAnalyzer(true)
	d := &deliverLog{}
	s := newIdleScheduler(t, src, an, &fakeSessions{id: "S1"}, d)
	s.Start()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.tick()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, s.Stats().Submitted)
	an.release <- struct{}{}
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, an.maxInflight.Load())
}

func TestTickSkipsWithoutSessionOrFrame(t *testing.T) {
	src := newFakeSource(t)
	an := newFakeAnalyzer(false)
	sess := &fakeSessions{}
	s := newIdleScheduler(t, src, an, sess, &deliverLog{})

	assert.Equal(t, TickStopped, s.tick())

	s.Start()
	assert.Equal(t, TickSkippedNoSession, s.tick())

	sess.id = "S1"
	assert.Equal(t, TickSkippedNoFrame, s.tick(), "source still closed")

	require.NoError(t, src.Open(context.Background()))
	src.setFrame(&FrameSample{})
	assert.Equal(t, TickSkippedNoFrame, s.tick(), "empty frame")

	st := s.Stats()
	assert.EqualValues(t, 1, st.SkippedNoSess)
	assert.EqualValues(t, 2, st.SkippedNoFrame)
	assert.Zero(t, an.callCount())
}

func TestStaleResultDiscardedAfterRestart(t *testing.T) {
	src := newFakeSource(t)
	require.NoError(t, src.Open(context.Background()))
	an := newFakeAnalyzer(true)
	d := &deliverLog{}
	s := newIdleScheduler(t, src, an, &fakeSessions{id: "S1"}, d)

	s.Start()
	require.Equal(t, TickSubmitted, s.tick())
	<-an.started

	s.Stop()
	s.Start()

	// the old request still counts as in flight for the new generation
	assert.Equal(t, TickSkippedBusy, s.tick())
	assert.EqualValues(t, 1, an.maxInflight.Load())

	an.release <- struct{}{}
	require.Eventually(t, func() bool { return s.Stats().StaleDiscarded == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.count())

	require.Equal(t, TickSubmitted, s.tick())
	<-an.started
	an.release <- struct{}{}
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, an.maxInflight.Load())
}

func TestSlowDeliveryDoesNotBlockStats(t *testing.T) {
	src := newFakeSource(t)
	require.NoError(t, src.Open(context.Background()))
	an := newFakeAnalyzer(false)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	s := NewCaptureScheduler(ChannelEntry, time.Hour, time.Second, src, an, &fakeSessions{id: "S1"},
		func(*FrameSample, []DetectionResult) {
			close(entered)
			<-unblock
		})
	t.Cleanup(s.Close)

	s.Start()
	require.Equal(t, TickSubmitted, s.tick())
	<-entered

	statsDone := make(chan SchedulerStats, 1)
	go func() { statsDone <- s.Stats() }()
	select {
	case st := <-statsDone:
		assert.True(t, st.Running)
		assert.Equal(t, 1, st.LastFaceCount)
	case <-time.After(time.Second):
		t.Fatal("Stats blocked behind delivery")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a delivery was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after delivery finished")
	}
}

func TestResultAfterStopNeverDelivered(t *testing.T) {
	src := newFakeSource(t)
	require.NoError(t, src.Open(context.Background()))
	an := newFakeAnalyzer(true)
	d := &deliverLog{}
	s := newIdleScheduler(t, src, an, &fakeSessions{id: "S1"}, d)

	s.Start()
	require.Equal(t, TickSubmitted, s.tick())
	<-an.started
	s.Stop()

	an.release <- struct{}{}
	require.Eventually(t, func() bool { return s.Stats().StaleDiscarded == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.count())
}

func TestFailedSubmissionIsSwallowed(t *testing.T) {
	src := newFakeSource(t)
	require.NoError(t, src.Open(context.Background()))
	an := newFakeAnalyzer(false)
	an.err = NewFault(FaultTransient, "submitFrame", 503, errBoom)
	d := &deliverLog{}
	sess := &fakeSessions{id: "S1"}
	s := newIdleScheduler(t, src, an, sess, d)
	s.Start()

	require.Equal(t, TickSubmitted, s.tick())
	require.Eventually(t, func() bool { return s.Stats().Failures == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.count())
	assert.Empty(t, sess.reported())

	// busy was cleared, the next tick goes out
	assert.Equal(t, TickSubmitted, s.tick())
}

func TestSessionInvalidReported(t *testing.T) {
	src := newFakeSource(t)
	require.NoError(t, src.Open(context.Background()))
	an := newFakeAnalyzer(false)
	an.err = NewFault(FaultSessionInvalid, "submitFrame", 404, errBoom)
	sess := &fakeSessions{id: "S1"}
	s := newIdleScheduler(t, src, an, sess, &deliverLog{})
	s.Start()

	require.Equal(t, TickSubmitted, s.tick())
	require.Eventually(t, func() bool { return len(sess.reported()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"S1"}, sess.reported())

	assert.Equal(t, TickSkippedNoSession, s.tick())
}

func TestNoTickAfterStop(t *testing.T) {
	src := newFakeSource(t)
	require.NoError(t, src.Open(context.Background()))
	an := newFakeAnalyzer(false)
	s := NewCaptureScheduler(ChannelExit, 5*time.Millisecond, time.Second, src, an, &fakeSessions{id: "S1"}, nil)
	defer s.Close()

	s.Start()
	require.Eventually(t, func() bool { return s.Stats().Ticks >= 3 }, time.Second, time.Millisecond)

	s.Stop()
	ticks := s.Stats().Ticks
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ticks, s.Stats().Ticks)
	assert.False(t, s.Running())
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewCaptureScheduler(ChannelEntry, time.Hour, 0, newFakeSource(t), newFakeAnalyzer(false), &fakeSessions{}, nil)
	s.Stop()
	s.Start()
	g := s.Generation()
	s.Stop()
	s.Stop()
	assert.Equal(t, g+1, s.Generation())
	s.Close()
	s.Close()
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	s := NewCaptureScheduler(ChannelEntry, time.Hour, 0, newFakeSource(t), newFakeAnalyzer(false), &fakeSessions{}, nil)
	defer s.Close()
	s.Start()
	g := s.Generation()
	s.Start()
	assert.Equal(t, g, s.Generation())
	assert.True(t, s.Running())
}
