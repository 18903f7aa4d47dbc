package overlay

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Box is a bounding box in native frame pixels
type Box struct {
	X, Y, W, H float64
}

var errEmptyBox = errors.New("empty bounding box")

// ParseBox decodes a wire bounding box. Accepted encodings:
//
//	[x, y, w, h]
//	"[x, y, w, h]" or "x,y,w,h"
//	{"x":..,"y":..,"width":..,"height":..}
//
// Elements may themselves be numeric strings.
func ParseBox(raw json.RawMessage) (Box, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return Box{}, errEmptyBox
	}

	switch trimmed[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &elems); err != nil {
			return Box{}, fmt.Errorf("invalid bbox array: %w", err)
		}
		return boxFromElems(elems)
	case '"':
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return Box{}, fmt.Errorf("invalid bbox string: %w", err)
		}
		return parseBoxString(s)
	case '{':
		var obj struct {
			X      *float64 `json:"x"`
			Y      *float64 `json:"y"`
			Width  *float64 `json:"width"`
			Height *float64 `json:"height"`
		}
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return Box{}, fmt.Errorf("invalid bbox object: %w", err)
		}
		if obj.X == nil || obj.Y == nil || obj.Width == nil || obj.Height == nil {
			return Box{}, fmt.Errorf("bbox object is missing fields")
		}
		return checkBox(Box{X: *obj.X, Y: *obj.Y, W: *obj.Width, H: *obj.Height})
	}
	return Box{}, fmt.Errorf("unsupported bbox encoding %q", trimmed)
}

func parseBoxString(s string) (Box, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Box{}, errEmptyBox
	}
	if strings.HasPrefix(s, "[") {
		// a JSON array serialized into a string
		return ParseBox(json.RawMessage(s))
	}
	parts := strings.Split(s, ",")
	elems := make([]json.RawMessage, 0, len(parts))
	for _, p := range parts {
		elems = append(elems, json.RawMessage(strings.TrimSpace(p)))
	}
	return boxFromElems(elems)
}

func boxFromElems(elems []json.RawMessage) (Box, error) {
	if len(elems) != 4 {
		return Box{}, fmt.Errorf("bbox needs 4 values, got %d", len(elems))
	}
	var v [4]float64
	for i, e := range elems {
		f, err := number(e)
		if err != nil {
			return Box{}, fmt.Errorf("bbox value %d: %w", i, err)
		}
		v[i] = f
	}
	return checkBox(Box{X: v[0], Y: v[1], W: v[2], H: v[3]})
}

func number(raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

func checkBox(b Box) (Box, error) {
	for _, f := range []float64{b.X, b.Y, b.W, b.H} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Box{}, fmt.Errorf("bbox contains a non-finite value")
		}
	}
	if b.W < 0 || b.H < 0 {
		return Box{}, fmt.Errorf("bbox has negative size %gx%g", b.W, b.H)
	}
	return b, nil
}
