package downloads

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
)

// WorkItem is one location to download
type WorkItem struct {
	ID  string
	Lat float64
	Lng float64
}

// LoadWorkList reads the input CSV. It needs ID, Lat and Lng columns (names
// matched case-insensitively). Rows with unusable coordinates and repeated
// IDs are skipped with a warning.
func LoadWorkList(path string, logger *slog.Logger) ([]WorkItem, error) {
	log := logging.Component(logger, "worklist")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open work list: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("work list %s is empty", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read work list header: %w", err)
	}

	cols := map[string]int{}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	var missing []string
	for _, want := range []string{"id", "lat", "lng"} {
		if _, ok := cols[want]; !ok {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("work list %s is missing columns %v", path, missing)
	}
	idCol, latCol, lngCol := cols["id"], cols["lat"], cols["lng"]

	var items []WorkItem
	seen := map[string]bool{}
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read work list line %d: %w", line, err)
		}

		field := func(i int) string {
			if i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}

		id := field(idCol)
		if id == "" {
			log.Warn("skipping row without ID", "line", line)
			continue
		}
		if seen[id] {
			log.Warn("skipping repeated ID", "line", line, "id", id)
			continue
		}

		lat, latErr := strconv.ParseFloat(field(latCol), 64)
		lng, lngErr := strconv.ParseFloat(field(lngCol), 64)
		if latErr != nil || lngErr != nil {
			log.Warn("skipping row with unparsable coordinates", "line", line, "id", id)
			continue
		}
		if err := ValidateCoordinates(lat, lng); err != nil {
			log.Warn("skipping row with invalid coordinates", "line", line, "id", id, "error", err)
			continue
		}

		seen[id] = true
		items = append(items, WorkItem{ID: id, Lat: lat, Lng: lng})
	}

	log.Info("work list loaded", "path", path, "points", len(items))
	return items, nil
}
