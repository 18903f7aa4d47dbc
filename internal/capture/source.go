package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gatewatch/internal/pipeline"
)

// SourceConfig selects and configures a frame source for a channel
type SourceConfig struct {
	Channel    pipeline.Channel
	Device     string
	FPS        int
	Width      int
	Height     int
	FFmpegPath string
}

// NewSource picks the source implementation for a device string:
// an HTTP image endpoint is polled, an image file is served as-is, and
// anything else goes through FFmpeg.
func NewSource(cfg SourceConfig) (pipeline.FrameSource, error) {
	device := strings.TrimSpace(cfg.Device)
	if device == "" {
		return nil, fmt.Errorf("no device configured for channel %s", cfg.Channel)
	}

	if isHTTPImageEndpoint(device) {
		interval := 200 * time.Millisecond
		if cfg.FPS > 0 {
			interval = time.Second / time.Duration(cfg.FPS)
		}
		return NewSnapshotSource(SnapshotConfig{Channel: cfg.Channel, URL: device, Interval: interval}), nil
	}

	if _, ok := pipeline.SupportedImageExtensions[strings.ToLower(filepath.Ext(device))]; ok {
		if _, err := os.Stat(device); err == nil {
			return NewStaticSource(cfg.Channel, device), nil
		}
	}

	return NewDeviceSource(DeviceConfig{
		Channel:    cfg.Channel,
		Device:     device,
		FPS:        cfg.FPS,
		Width:      cfg.Width,
		Height:     cfg.Height,
		FFmpegPath: cfg.FFmpegPath,
	}), nil
}

func isHTTPImageEndpoint(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "image") || strings.Contains(device, "snapshot"))
}
