package naming

import (
	"fmt"
	"strings"
)

var pathReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "\x00", "")

// SanitizeComponent makes a value safe to embed in a single path element
func SanitizeComponent(s string) string {
	s = pathReplacer.Replace(strings.TrimSpace(s))
	if s == "." || s == ".." {
		return strings.Repeat("_", len(s))
	}
	return s
}

// PanoramaFilename creates the filename for a saved panorama
// Format: {id}_{panoId}{ext}
func PanoramaFilename(id, panoID, ext string) string {
	return fmt.Sprintf("%s_%s%s", SanitizeComponent(id), SanitizeComponent(panoID), ext)
}

// BatchSnapshotFilename creates the per-batch results filename
// Format: results_batch_{n}.csv
func BatchSnapshotFilename(batch int) string {
	return fmt.Sprintf("results_batch_%d.csv", batch)
}

// TempFilename creates a sibling temp name for atomic writes
func TempFilename(name, suffix string) string {
	return fmt.Sprintf(".%s.%s.tmp", name, suffix)
}
