package overlay

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"strings"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"gatewatch/internal/pipeline"
)

// maxComposePixels bounds both the decoded frame and the composed image
const maxComposePixels = 8192 * 8192

var (
	ErrNoOverlay     = errors.New("no overlay for channel")
	ErrNoFrame       = errors.New("no frame for channel")
	ErrFrameTooLarge = errors.New("frame too large to compose")
)

// emotionColors follows the palette of the dashboard
var emotionColors = map[string]color.RGBA{
	"happy":    {46, 204, 113, 255},
	"neutral":  {149, 165, 166, 255},
	"sad":      {52, 152, 219, 255},
	"angry":    {231, 76, 60, 255},
	"fear":     {155, 89, 182, 255},
	"surprise": {241, 196, 15, 255},
	"disgust":  {211, 84, 0, 255},
}

var defaultBoxColor = color.RGBA{0, 255, 0, 255}

// ColorFor returns the box color of an emotion label
func ColorFor(emotion string) color.RGBA {
	if c, ok := emotionColors[strings.ToLower(emotion)]; ok {
		return c
	}
	return defaultBoxColor
}

// Compose draws a draw list over its frame. The frame is scaled to the
// display resolution and flipped when the surface is mirrored, so the
// rectangles line up exactly as they would on screen.
func Compose(frame []byte, list DrawList) ([]byte, error) {
	fw, fh, err := pipeline.ImageSize(frame)
	if err != nil {
		return nil, err
	}
	if tooLarge(fw, fh) {
		return nil, fmt.Errorf("%w: frame is %dx%d", ErrFrameTooLarge, fw, fh)
	}
	src, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	w, h := list.Surface.DisplayWidth, list.Surface.DisplayHeight
	if w <= 0 || h <= 0 {
		w, h = src.Bounds().Dx(), src.Bounds().Dy()
	}
	if tooLarge(w, h) {
		return nil, fmt.Errorf("%w: surface is %dx%d", ErrFrameTooLarge, w, h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	if list.Surface.Mirrored {
		mirror(dst)
	}

	for _, r := range list.Rects {
		c := ColorFor(r.Emotion)
		drawBox(dst, round(r.X), round(r.Y), round(r.W), round(r.H), c, 2)
		drawLabel(dst, round(r.LabelX), round(r.LabelY), r.Label, c)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func tooLarge(w, h int) bool {
	return int64(w)*int64(h) > maxComposePixels
}

func round(f float64) int {
	return int(math.Round(f))
}

// mirror flips img horizontally in place
func mirror(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for l, r := b.Min.X, b.Max.X-1; l < r; l, r = l+1, r-1 {
			cl, cr := img.RGBAAt(l, y), img.RGBAAt(r, y)
			img.SetRGBA(l, y, cr)
			img.SetRGBA(r, y, cl)
		}
	}
}

// drawBox draws a rectangle outline on the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(px, py int) {
		if (image.Point{X: px, Y: py}).In(bounds) {
			img.SetRGBA(px, py, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-t, j)
		}
	}
}

// drawLabel draws text on a dark background with its top edge at y
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if x < 0 {
		x = 0
	}
	// basicfont glyphs are 13px tall; keep the label inside the frame
	if y > 12 {
		y -= 12
	}

	bg := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	bounds := img.Bounds()
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			p := image.Point{X: x + dx, Y: y + dy}
			if p.In(bounds) {
				img.Set(p.X, p.Y, bg)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
