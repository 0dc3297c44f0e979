package common

import (
	"fmt"
	"path/filepath"
	"strings"
)

// OutputFormat is the encoding used for saved panoramas
type OutputFormat string

const (
	FormatJPEG OutputFormat = "jpg"
	FormatPNG  OutputFormat = "png"
	FormatWebP OutputFormat = "webp"
)

// ParseOutputFormat converts a format string to an OutputFormat
// Accepted values: "jpg", "jpeg", "png", "webp"
func ParseOutputFormat(format string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "", "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("invalid format: %s (must be 'jpg', 'png', or 'webp')", format)
	}
}

// Extension returns the file extension including the dot
func (f OutputFormat) Extension() string {
	return "." + string(f)
}

// FormatFromPath picks the encoding for a file by its extension. Extensions
// without an encoder of their own are reported with ok == false.
func FormatFromPath(path string) (format string, ok bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "jpeg", true
	case ".png":
		return "png", true
	case ".webp":
		return "webp", true
	case ".bmp":
		return "bmp", true
	case ".tif", ".tiff":
		return "tiff", true
	default:
		return "", false
	}
}
