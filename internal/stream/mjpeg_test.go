package stream

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewatch/internal/overlay"
	"gatewatch/internal/pipeline"
)

func testFrame(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 40, 30)), nil))
	return buf.Bytes()
}

func testList(ch pipeline.Channel) overlay.DrawList {
	return overlay.DrawList{
		Channel: ch,
		Surface: pipeline.DisplaySurface{NativeWidth: 40, NativeHeight: 30, DisplayWidth: 40, DisplayHeight: 30},
		Rects:   []overlay.DrawRect{{Rect: overlay.Rect{X: 5, Y: 5, W: 10, H: 10}, Emotion: "Happy", Label: "Happy"}},
	}
}

func TestDrawWithoutViewersIsSkipped(t *testing.T) {
	m := NewMJPEGStreamer()
	m.Draw(testList(pipeline.ChannelEntry), testFrame(t))

	_, ok := m.Current(pipeline.ChannelEntry)
	assert.False(t, ok)
}

func TestServeStreamsComposedFrames(t *testing.T) {
	m := NewMJPEGStreamer()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Serve(w, r, pipeline.ChannelExit)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "multipart/x-mixed-replace"))

	require.Eventually(t, func() bool { return m.Viewers(pipeline.ChannelExit) == 1 }, time.Second, 5*time.Millisecond)

	// another channel's overlay is not sent here
	m.Draw(testList(pipeline.ChannelEntry), testFrame(t))
	m.Draw(testList(pipeline.ChannelExit), testFrame(t))

	tp := textproto.NewReader(bufio.NewReader(resp.Body))
	line, err := tp.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "--frame", line)
	hdr, err := tp.ReadMIMEHeader()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", hdr.Get("Content-Type"))

	n, err := strconv.Atoi(hdr.Get("Content-Length"))
	require.NoError(t, err)
	body := make([]byte, n)
	_, err = io.ReadFull(tp.R, body)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())

	cancel()
	require.Eventually(t, func() bool { return m.Viewers(pipeline.ChannelExit) == 0 }, time.Second, 5*time.Millisecond)
}

func TestNewViewerGetsLastFrame(t *testing.T) {
	m := NewMJPEGStreamer()
	ch := m.register(pipeline.ChannelEntry)
	m.Draw(testList(pipeline.ChannelEntry), testFrame(t))
	<-ch
	m.unregister(pipeline.ChannelEntry, ch)

	late := m.register(pipeline.ChannelEntry)
	defer m.unregister(pipeline.ChannelEntry, late)
	select {
	case frame := <-late:
		assert.NotEmpty(t, frame)
	default:
		t.Fatal("late viewer got no frame")
	}

	m.Clear(pipeline.ChannelEntry)
	again := m.register(pipeline.ChannelEntry)
	defer m.unregister(pipeline.ChannelEntry, again)
	assert.Len(t, again, 0)
}

func nextFrame(t *testing.T, ch chan []byte) image.Image {
	t.Helper()
	select {
	case frame := <-ch:
		img, err := jpeg.Decode(bytes.NewReader(frame))
		require.NoError(t, err)
		return img
	case <-time.After(time.Second):
		t.Fatal("no frame")
		return nil
	}
}

func green(img image.Image, x, y int) uint32 {
	_, g, _, _ := img.At(x, y).RGBA()
	return g >> 8
}

func TestClearPushesFrameWithoutBoxes(t *testing.T) {
	m := NewMJPEGStreamer()
	ch := m.register(pipeline.ChannelEntry)
	defer m.unregister(pipeline.ChannelEntry, ch)

	m.Draw(testList(pipeline.ChannelEntry), testFrame(t))
	boxed := nextFrame(t, ch)
	assert.Greater(t, green(boxed, 10, 15), uint32(60), "box edge drawn")

	m.Clear(pipeline.ChannelEntry)
	bare := nextFrame(t, ch)
	assert.Equal(t, 40, bare.Bounds().Dx())
	assert.Less(t, green(bare, 10, 15), uint32(30), "box edge gone")

	_, ok := m.Current(pipeline.ChannelEntry)
	assert.False(t, ok)
}

func TestClearWithoutFrameSendsNothing(t *testing.T) {
	m := NewMJPEGStreamer()
	ch := m.register(pipeline.ChannelEntry)
	defer m.unregister(pipeline.ChannelEntry, ch)

	m.Clear(pipeline.ChannelEntry)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ch, 0)
}
