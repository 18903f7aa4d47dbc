package pipeline

import (
	"context"
)

// FrameSource produces frames for one channel on demand.
// Implementations wrap a capture device, an HTTP snapshot endpoint or a static file.
type FrameSource interface {
	// Open acquires the underlying device. Calling Open on an open source is a no-op.
	Open(ctx context.Context) error

	// Close releases the device. Calling Close on a closed source is a no-op.
	Close() error

	// Latest returns the most recent frame, or false while the source is still
	// warming up or closed
	Latest() (*FrameSample, bool)
}

// FrameAnalyzer submits live frames to the inference service
type FrameAnalyzer interface {
	SubmitFrame(ctx context.Context, sessionID string, sample *FrameSample) ([]DetectionResult, error)
}

// FileAnalyzer submits at-rest media to the inference service.
// Video submissions block until the service reports a terminal state.
type FileAnalyzer interface {
	SubmitFile(ctx context.Context, sessionID string, channel Channel, fileName string, data []byte, kind FileKind) (*FileAnalysis, error)
}

// SessionSource exposes the active session to the pipelines.
// session.Manager implements it.
type SessionSource interface {
	// ActiveSessionID returns the id of the active session, if any
	ActiveSessionID() (string, bool)

	// ReportNotFound tells the owner that the server no longer knows id
	ReportNotFound(id string)
}

// DisplaySurface describes the rendering target of a channel.
// Boxes arrive in native pixels and are drawn in display pixels.
type DisplaySurface struct {
	NativeWidth   int  `json:"native_width"`
	NativeHeight  int  `json:"native_height"`
	DisplayWidth  int  `json:"display_width"`
	DisplayHeight int  `json:"display_height"`
	Mirrored      bool `json:"mirrored"`
}

// Ready reports whether both resolutions are known
func (s DisplaySurface) Ready() bool {
	return s.NativeWidth > 0 && s.NativeHeight > 0 && s.DisplayWidth > 0 && s.DisplayHeight > 0
}

// Renderer consumes detection sets for a channel.
// overlay.Renderer implements it.
type Renderer interface {
	// Render replaces the channel's overlay with the given results.
	// frame is the encoded image the boxes refer to and may be nil.
	Render(channel Channel, surface DisplaySurface, results []DetectionResult, frame []byte)

	// Clear removes the channel's overlay
	Clear(channel Channel)
}

// UploadRecorder stores metadata of finished upload jobs
type UploadRecorder interface {
	RecordUpload(sessionID string, job UploadJob) error
}
