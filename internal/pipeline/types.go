package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Channel identifies one of the two observation feeds of a room
type Channel string

const (
	// ChannelEntry is the feed watching the room entrance
	ChannelEntry Channel = "entry"
	// ChannelExit is the feed watching the room exit
	ChannelExit Channel = "exit"
)

// Channels lists every channel in display order
var Channels = []Channel{ChannelEntry, ChannelExit}

// ParseChannel converts a wire value ("entry", "exit") into a Channel
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelEntry:
		return ChannelEntry, nil
	case ChannelExit:
		return ChannelExit, nil
	}
	return "", fmt.Errorf("unknown channel %q (valid: entry, exit)", s)
}

// Mode is the per-channel operating mode
type Mode string

const (
	// ModeLive samples the channel's device on a timer
	ModeLive Mode = "live"
	// ModeUpload analyzes user-supplied files; no device is held
	ModeUpload Mode = "upload"
)

// ParseMode converts a wire value into a Mode. "webcam" is accepted as an alias for live.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live", "webcam":
		return ModeLive, nil
	case "upload":
		return ModeUpload, nil
	}
	return "", fmt.Errorf("unknown mode %q (valid: live, upload)", s)
}

// FrameSample is one encoded frame taken from a channel's source.
// It is handed straight to the analysis client and never retained.
type FrameSample struct {
	Channel   Channel   // Channel the frame was taken from
	Data      []byte    // JPEG frame data
	Seq       uint64    // Source sequence number
	Timestamp time.Time // Capture timestamp
	Width     int       // Native width (0 if unknown)
	Height    int       // Native height (0 if unknown)
}

// DetectionResult is one face returned by the inference service.
// BBox is kept in its wire form: it may be a JSON array [x, y, w, h] or a
// string carrying such an array, and is only parsed when rendering so a bad
// entry can be dropped on its own.
type DetectionResult struct {
	BBox       json.RawMessage `json:"bbox"`
	Emotion    string          `json:"emotion"`
	Confidence float64         `json:"confidence,omitempty"`
}

// FileKind distinguishes at-rest media types
type FileKind string

const (
	FileKindImage FileKind = "image"
	FileKindVideo FileKind = "video"
)

// FileAnalysis is the terminal outcome of an at-rest submission
type FileAnalysis struct {
	Results     []DetectionResult
	FrameWidth  int // Native width the boxes refer to (0 if the service did not say)
	FrameHeight int
}

// Session identifies one server-side observation run
type Session struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ClassName  string    `json:"class_name"`
	Instructor string    `json:"instructor"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionForm is the user input for starting a session
type SessionForm struct {
	Name       string `json:"name"`
	ClassName  string `json:"class_name"`
	Instructor string `json:"instructor"`
}

// Validate checks that every field of the form is filled in
func (f SessionForm) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("session name is required")
	}
	if strings.TrimSpace(f.ClassName) == "" {
		return fmt.Errorf("class name is required")
	}
	if strings.TrimSpace(f.Instructor) == "" {
		return fmt.Errorf("instructor is required")
	}
	return nil
}

// UploadStatus is the lifecycle state of an UploadJob
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadSucceeded UploadStatus = "succeeded"
	UploadFailed    UploadStatus = "failed"
)

// Terminal reports whether the status can no longer change without a retry
func (s UploadStatus) Terminal() bool {
	return s == UploadSucceeded || s == UploadFailed
}

// UploadJob tracks one at-rest submission for a channel
type UploadJob struct {
	ID          string            `json:"id"`
	Channel     Channel           `json:"channel"`
	FileName    string            `json:"file_name"`
	Kind        FileKind          `json:"kind"`
	Status      UploadStatus      `json:"status"`
	Results     []DetectionResult `json:"results,omitempty"`
	Error       string            `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	FrameWidth  int               `json:"frame_width,omitempty"`
	FrameHeight int               `json:"frame_height,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`

	data []byte // file reference reused by retry, never serialized
}

// clone returns a copy safe to hand to callers
func (j *UploadJob) clone() UploadJob {
	c := *j
	c.data = nil
	if j.Results != nil {
		c.Results = append([]DetectionResult(nil), j.Results...)
	}
	return c
}

// SchedulerStats contains capture loop counters for one channel
type SchedulerStats struct {
	Channel        Channel `json:"channel"`
	Running        bool    `json:"running"`
	Ticks          uint64  `json:"ticks"`
	Submitted      uint64  `json:"submitted"`
	SkippedBusy    uint64  `json:"skipped_busy"`
	SkippedNoFrame uint64  `json:"skipped_no_frame"`
	SkippedNoSess  uint64  `json:"skipped_no_session"`
	Failures       uint64  `json:"failures"`
	StaleDiscarded uint64  `json:"stale_discarded"`
	LastResultTime int64   `json:"last_result_time"` // Unix timestamp
	LastFaceCount  int     `json:"last_face_count"`
}
