package overlay

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewatch/internal/pipeline"
)

func det(bbox string, emotion string) pipeline.DetectionResult {
	return pipeline.DetectionResult{BBox: json.RawMessage(bbox), Emotion: emotion, Confidence: 0.9}
}

var mirroredSurface = pipeline.DisplaySurface{
	NativeWidth:   1280,
	NativeHeight:  720,
	DisplayWidth:  640,
	DisplayHeight: 360,
	Mirrored:      true,
}

func TestParseBox(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Box
	}{
		{"array", `[100, 100, 50, 50]`, Box{100, 100, 50, 50}},
		{"float array", `[1.5, 2, 3.25, 4]`, Box{1.5, 2, 3.25, 4}},
		{"string array", `"[10, 20, 30, 40]"`, Box{10, 20, 30, 40}},
		{"csv string", `"10,20,30,40"`, Box{10, 20, 30, 40}},
		{"quoted elements", `["10", "20", "30", "40"]`, Box{10, 20, 30, 40}},
		{"object", `{"x":1,"y":2,"width":3,"height":4}`, Box{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBox(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBoxRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		``,
		`null`,
		`[1, 2, 3]`,
		`[1, 2, 3, 4, 5]`,
		`"[1, 2, oops, 4]"`,
		`"not a box"`,
		`[1, 2, -3, 4]`,
		`{"x":1,"y":2}`,
		`true`,
		`[1, 2, 3`,
	} {
		_, err := ParseBox(json.RawMessage(raw))
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestTransformMirrored(t *testing.T) {
	r := Transform(mirroredSurface, Box{X: 100, Y: 100, W: 50, H: 50})
	assert.Equal(t, Rect{X: 565, Y: 50, W: 25, H: 25}, r)
}

func TestTransformNotMirrored(t *testing.T) {
	s := mirroredSurface
	s.Mirrored = false
	r := Transform(s, Box{X: 100, Y: 100, W: 50, H: 50})
	assert.Equal(t, Rect{X: 50, Y: 50, W: 25, H: 25}, r)
}

func TestTransformIdentity(t *testing.T) {
	s := pipeline.DisplaySurface{NativeWidth: 640, NativeHeight: 480, DisplayWidth: 640, DisplayHeight: 480}
	r := Transform(s, Box{X: 10, Y: 20, W: 30, H: 40})
	assert.Equal(t, Rect{X: 10, Y: 20, W: 30, H: 40}, r)
}

func TestBuildDrawsOneRectPerDetection(t *testing.T) {
	for n := 0; n <= 6; n++ {
		results := make([]pipeline.DetectionResult, n)
		for i := range results {
			results[i] = det(`[10, 10, 20, 20]`, "Happy")
		}
		list, ok := Build(pipeline.ChannelEntry, mirroredSurface, results)
		require.True(t, ok)
		assert.Len(t, list.Rects, n)
		assert.Zero(t, list.Skipped)
	}
}

func TestBuildSkipsMalformedEntry(t *testing.T) {
	results := []pipeline.DetectionResult{
		det(`[100, 100, 50, 50]`, "Happy"),
		det(`"[200, 100, 50, 50]"`, "Sad"),
		det(`"[corrupt"`, "Angry"),
		det(`[300, 100, 50, 50]`, "Neutral"),
		det(`[400, 100, 50, 50]`, "Fear"),
	}
	list, ok := Build(pipeline.ChannelExit, mirroredSurface, results)
	require.True(t, ok)
	assert.Len(t, list.Rects, 4)
	assert.Equal(t, 1, list.Skipped)
	assert.Equal(t, pipeline.ChannelExit, list.Channel)
}

func TestBuildSkipsUnreadySurface(t *testing.T) {
	s := mirroredSurface
	s.NativeWidth = 0
	_, ok := Build(pipeline.ChannelEntry, s, []pipeline.DetectionResult{det(`[1,1,1,1]`, "Happy")})
	assert.False(t, ok)
}

func TestBuildLabelAnchor(t *testing.T) {
	s := pipeline.DisplaySurface{NativeWidth: 100, NativeHeight: 100, DisplayWidth: 100, DisplayHeight: 100}
	list, ok := Build(pipeline.ChannelEntry, s, []pipeline.DetectionResult{
		det(`[10, 40, 10, 10]`, "Happy"),
		det(`[10, 2, 10, 10]`, ""),
	})
	require.True(t, ok)
	require.Len(t, list.Rects, 2)

	assert.Equal(t, 35.0, list.Rects[0].LabelY)
	assert.Equal(t, 10.0, list.Rects[0].LabelX)
	assert.Equal(t, "Happy 90%", list.Rects[0].Label)

	assert.Equal(t, 0.0, list.Rects[1].LabelY)
	assert.Equal(t, "Unknown 90%", list.Rects[1].Label)
}

type recordingSink struct {
	draws  []DrawList
	clears []pipeline.Channel
}

func (s *recordingSink) Draw(list DrawList, frame []byte) { s.draws = append(s.draws, list) }
func (s *recordingSink) Clear(ch pipeline.Channel)        { s.clears = append(s.clears, ch) }

func TestRendererFanOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	r := NewRenderer(a)
	unsubscribe := r.Subscribe(b)

	r.Render(pipeline.ChannelEntry, mirroredSurface, []pipeline.DetectionResult{det(`[1,1,1,1]`, "Happy")}, nil)
	assert.Len(t, a.draws, 1)
	assert.Len(t, b.draws, 1)

	unsubscribe()
	r.Clear(pipeline.ChannelEntry)
	assert.Equal(t, []pipeline.Channel{pipeline.ChannelEntry}, a.clears)
	assert.Empty(t, b.clears)
}

func TestRendererSkipsUnreadySurface(t *testing.T) {
	sink := &recordingSink{}
	r := NewRenderer(sink)
	r.Render(pipeline.ChannelEntry, pipeline.DisplaySurface{}, []pipeline.DetectionResult{det(`[1,1,1,1]`, "Happy")}, nil)
	assert.Empty(t, sink.draws)
}

func TestBoardReplacesPreviousList(t *testing.T) {
	board := NewBoard()
	r := NewRenderer(board)

	r.Render(pipeline.ChannelEntry, mirroredSurface, []pipeline.DetectionResult{
		det(`[1,1,1,1]`, "Happy"),
		det(`[2,2,2,2]`, "Sad"),
	}, nil)
	r.Render(pipeline.ChannelEntry, mirroredSurface, []pipeline.DetectionResult{det(`[3,3,3,3]`, "Sad")}, nil)

	list, ok := board.Get(pipeline.ChannelEntry)
	require.True(t, ok)
	assert.Len(t, list.Rects, 1)

	_, ok = board.Get(pipeline.ChannelExit)
	assert.False(t, ok)

	r.Clear(pipeline.ChannelEntry)
	_, ok = board.Get(pipeline.ChannelEntry)
	assert.False(t, ok)
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{200, 200, 200, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestBoardSnapshot(t *testing.T) {
	board := NewBoard()
	r := NewRenderer(board)

	_, err := board.Snapshot(pipeline.ChannelEntry)
	assert.ErrorIs(t, err, ErrNoOverlay)

	frame := testJPEG(t, 128, 72)
	surface := pipeline.DisplaySurface{NativeWidth: 128, NativeHeight: 72, DisplayWidth: 64, DisplayHeight: 36, Mirrored: true}
	r.Render(pipeline.ChannelEntry, surface, []pipeline.DetectionResult{det(`[10, 10, 20, 20]`, "Happy")}, frame)

	out, err := board.Snapshot(pipeline.ChannelEntry)
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 36, cfg.Height)
}

func TestBoardSnapshotWithoutFrame(t *testing.T) {
	board := NewBoard()
	r := NewRenderer(board)
	r.Render(pipeline.ChannelExit, mirroredSurface, nil, nil)

	_, err := board.Snapshot(pipeline.ChannelExit)
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestComposeRejectsGarbage(t *testing.T) {
	_, err := Compose([]byte("not an image"), DrawList{})
	assert.Error(t, err)
}

// hugePNG is a valid 1x1 PNG whose header claims 100000x100000 pixels
func hugePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	b := buf.Bytes()
	// IHDR data follows the signature, chunk length and chunk type
	binary.BigEndian.PutUint32(b[16:], 100000)
	binary.BigEndian.PutUint32(b[20:], 100000)
	binary.BigEndian.PutUint32(b[29:], crc32.ChecksumIEEE(b[12:29]))
	return b
}

func TestComposeRejectsOversizedFrame(t *testing.T) {
	frame := hugePNG(t)
	w, h, err := pipeline.ImageSize(frame)
	require.NoError(t, err)
	require.Equal(t, 100000, w)
	require.Equal(t, 100000, h)

	_, err = Compose(frame, DrawList{})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestComposeRejectsOversizedSurface(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil))
	list := DrawList{Surface: pipeline.DisplaySurface{NativeWidth: 8, NativeHeight: 8, DisplayWidth: 100000, DisplayHeight: 100000}}

	_, err := Compose(buf.Bytes(), list)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestColorFor(t *testing.T) {
	assert.Equal(t, emotionColors["happy"], ColorFor("Happy"))
	assert.Equal(t, defaultBoxColor, ColorFor("bewildered"))
}
