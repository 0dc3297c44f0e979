package downloads

import (
	"fmt"
	"math"
)

// DownloadProgress tracks the progress of a download run
type DownloadProgress struct {
	Batch        int    `json:"batch"`
	TotalBatches int    `json:"totalBatches"`
	Completed    int    `json:"completed"` // Points finished in this batch
	Total        int    `json:"total"`     // Points drawn into this batch
	Percent      int    `json:"percent"`
	Succeeded    int    `json:"succeeded"` // Run totals
	Failed       int    `json:"failed"`
	Status       string `json:"status"`
}

// Progress statuses
const (
	StatusResolving   = "resolving"
	StatusDownloading = "downloading"
	StatusPersisting  = "persisting"
	StatusDone        = "done"
)

// Constants for validation
const (
	MinLat = -90.0
	MaxLat = 90.0
	MinLon = -180.0
	MaxLon = 180.0

	DefaultWorkers = 5 // Default number of concurrent point workers
)

// ValidateCoordinates checks that a work item location is usable
func ValidateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return fmt.Errorf("coordinates are NaN")
	}
	if lat < MinLat || lat > MaxLat {
		return fmt.Errorf("latitude %f out of range [%g, %g]", lat, MinLat, MaxLat)
	}
	if lng < MinLon || lng > MaxLon {
		return fmt.Errorf("longitude %f out of range [%g, %g]", lng, MinLon, MaxLon)
	}
	return nil
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return done * 100 / total
}
