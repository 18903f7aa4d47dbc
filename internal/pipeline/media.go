package pipeline

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// SupportedImageExtensions maps accepted image extensions to MIME types
var SupportedImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

// SupportedVideoExtensions maps accepted video extensions to MIME types
var SupportedVideoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
}

// DetectKind decides whether a file is an image or a video.
// Content sniffing wins; the extension is the fallback for containers the
// sniffer does not know.
func DetectKind(fileName string, data []byte) (FileKind, string, error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("%w: empty file", ErrUnsupportedMedia)
	}

	sniffed := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(sniffed, "image/"):
		return FileKindImage, sniffed, nil
	case strings.HasPrefix(sniffed, "video/"):
		return FileKindVideo, sniffed, nil
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if mime, ok := SupportedImageExtensions[ext]; ok {
		return FileKindImage, mime, nil
	}
	if mime, ok := SupportedVideoExtensions[ext]; ok {
		return FileKindVideo, mime, nil
	}

	return "", "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedMedia, fileName, sniffed)
}

// ImageSize returns the natural resolution of an encoded image
func ImageSize(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
