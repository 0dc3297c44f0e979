package common

import (
	"fmt"
	"time"
)

// Standard timestamp format constants
const (
	// CheckpointTimestamp is the format of last_update in progress files
	CheckpointTimestamp = time.RFC3339

	// FileTimestamp is safe to embed in filenames
	FileTimestamp = "20060102T150405"
)

// FormatCheckpointTime formats t for a progress file
func FormatCheckpointTime(t time.Time) string {
	return t.Format(CheckpointTimestamp)
}

// ParseCheckpointTime parses a last_update value
func ParseCheckpointTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	return time.Parse(CheckpointTimestamp, s)
}

// FormatFileTime formats t for use in a filename
func FormatFileTime(t time.Time) string {
	return t.Format(FileTimestamp)
}
