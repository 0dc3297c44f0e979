// Package ledger keeps the durable success and failure records of download
// runs. Both ledgers are CSV files that are only ever rewritten whole by
// MergeAndPersist.
package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
	"github.com/ZrimYoung/StreetViewDownloader/internal/storage"
)

// Column names
const (
	ColID        = "ID"
	ColReason    = "Reason"
	ColErrorType = "error_type"
	ColPanoID    = "panoId"
	ColFile      = "file"
)

var (
	// SuccessHeader is the success ledger layout
	SuccessHeader = []string{ColID}

	// FailureHeader is the failure ledger layout
	FailureHeader = []string{ColID, ColReason, ColErrorType}

	// SnapshotHeader is the per-batch results layout
	SnapshotHeader = []string{ColID, ColPanoID, ColFile}
)

// ErrMalformedLedger is returned when an existing file lacks the ID column
var ErrMalformedLedger = errors.New("ledger has no ID column")

// FailureRecord is one row of the failure ledger
type FailureRecord struct {
	ID     string
	Reason string
	Kind   common.ErrorKind
}

// SnapshotRow is one row of a per-batch results file
type SnapshotRow struct {
	ID     string
	PanoID string
	File   string
}

// Store owns the two ledger files. All writes go through one mutex.
type Store struct {
	mu          sync.Mutex
	successPath string
	failurePath string
	logger      *slog.Logger
}

// NewStore creates a store for the given ledger paths
func NewStore(successPath, failurePath string, logger *slog.Logger) *Store {
	return &Store{
		successPath: successPath,
		failurePath: failurePath,
		logger:      logging.Component(logger, "ledger"),
	}
}

// SuccessPath returns the success ledger location
func (s *Store) SuccessPath() string { return s.successPath }

// FailurePath returns the failure ledger location
func (s *Store) FailurePath() string { return s.failurePath }

// Init creates absent ledger files with just a header row
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range []struct {
		path   string
		header []string
	}{
		{s.successPath, SuccessHeader},
		{s.failurePath, FailureHeader},
	} {
		if _, err := os.Stat(f.path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat ledger %s: %w", f.path, err)
		}
		if err := writeTable(f.path, f.header, nil); err != nil {
			return err
		}
		s.logger.Info("created ledger", "path", f.path)
	}
	return nil
}

// SuccessIDs returns every ID in the success ledger, in file order
func (s *Store) SuccessIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.load(s.successPath, SuccessHeader)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row[0])
	}
	return ids, nil
}

// Failures returns every failure ledger row. Rows written before the
// error_type column existed get a kind inferred from their reason.
func (s *Store) Failures() ([]FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.load(s.failurePath, FailureHeader)
	if err != nil {
		return nil, err
	}
	records := make([]FailureRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, FailureRecord{
			ID:     row[0],
			Reason: row[1],
			Kind:   common.ErrorKind(row[2]),
		})
	}
	return records, nil
}

// load reads a ledger for lookups. A file without an ID column holds no
// usable records; it is left in place for the next merge to move aside.
func (s *Store) load(path string, header []string) ([][]string, error) {
	rows, err := readTable(path, header)
	if errors.Is(err, ErrMalformedLedger) {
		s.logger.Warn("ignoring malformed ledger", "path", path, "error", err)
		return nil, nil
	}
	return rows, err
}

// MergeSuccesses adds ids to the success ledger
func (s *Store) MergeSuccesses(ids []string) error {
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, []string{id})
	}
	return s.MergeAndPersist(s.successPath, SuccessHeader, rows, []string{ColID})
}

// MergeFailures adds records to the failure ledger
func (s *Store) MergeFailures(records []FailureRecord) error {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		kind := r.Kind
		if kind == "" {
			kind = common.DefaultErrorKind
		}
		rows = append(rows, []string{r.ID, r.Reason, string(kind)})
	}
	return s.MergeAndPersist(s.failurePath, FailureHeader, rows, FailureHeader)
}

// MergeAndPersist reads the ledger at path, appends records, drops
// duplicate keys keeping the last occurrence, and atomically rewrites the
// whole file. An absent or empty file counts as having no records. Columns
// missing from an existing file are backfilled. A file without an ID column
// is moved aside and replaced. Merging the same records twice leaves the
// file unchanged.
func (s *Store) MergeAndPersist(path string, header []string, records [][]string, keyColumns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyIdx := make([]int, 0, len(keyColumns))
	for _, k := range keyColumns {
		idx := indexOf(header, k)
		if idx < 0 {
			return fmt.Errorf("key column %s not in header", k)
		}
		keyIdx = append(keyIdx, idx)
	}

	existing, err := readTable(path, header)
	if errors.Is(err, ErrMalformedLedger) {
		backup := fmt.Sprintf("%s.malformed-%s", path, common.FormatFileTime(time.Now()))
		if renameErr := os.Rename(path, backup); renameErr != nil {
			return fmt.Errorf("failed to move aside malformed ledger %s: %w", path, renameErr)
		}
		s.logger.Warn("malformed ledger moved aside", "path", path, "backup", backup)
		existing = nil
	} else if err != nil {
		return err
	}

	combined := append(existing, records...)
	merged := dedupeKeepLast(combined, keyIdx)

	if err := writeTable(path, header, merged); err != nil {
		return err
	}
	s.logger.Debug("ledger persisted", "path", path,
		"previous", len(existing), "added", len(records), "total", len(merged))
	return nil
}

// WriteSnapshot writes a per-batch results file
func WriteSnapshot(path string, rows []SnapshotRow) error {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{r.ID, r.PanoID, r.File})
	}
	return writeTable(path, SnapshotHeader, out)
}

// dedupeKeepLast keeps, for every key, only its last row, preserving the
// relative order of the survivors
func dedupeKeepLast(rows [][]string, keyIdx []int) [][]string {
	last := make(map[string]int, len(rows))
	keys := make([]string, len(rows))
	for i, row := range rows {
		parts := make([]string, len(keyIdx))
		for j, idx := range keyIdx {
			parts[j] = row[idx]
		}
		keys[i] = strings.Join(parts, "\x1f")
		last[keys[i]] = i
	}

	out := make([][]string, 0, len(last))
	for i, row := range rows {
		if last[keys[i]] == i {
			out = append(out, row)
		}
	}
	return out
}

// readTable returns the rows of the CSV at path projected onto header.
// Missing columns read as "", except error_type, which is inferred.
func readTable(path string, header []string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	fileHeader, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger header %s: %w", path, err)
	}
	for i := range fileHeader {
		fileHeader[i] = strings.TrimSpace(strings.TrimPrefix(fileHeader[i], "\ufeff"))
	}

	colIdx := make([]int, len(header))
	for i, name := range header {
		colIdx[i] = indexOf(fileHeader, name)
	}
	if colIdx[0] < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMalformedLedger, path)
	}
	kindCol := indexOf(header, ColErrorType)
	reasonCol := indexOf(header, ColReason)

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
		}

		row := make([]string, len(header))
		for i, idx := range colIdx {
			if idx >= 0 && idx < len(rec) {
				row[i] = strings.TrimSpace(rec[idx])
			}
		}
		if row[0] == "" {
			continue
		}
		if kindCol >= 0 && row[kindCol] == "" {
			reason := ""
			if reasonCol >= 0 {
				reason = row[reasonCol]
			}
			row[kindCol] = string(inferKind(reason))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// inferKind maps the reason of a legacy failure row to a kind
func inferKind(reason string) common.ErrorKind {
	switch reason {
	case common.ReasonNoPanoID:
		return common.KindNoPanoIDFound
	case common.ReasonAllTilesMissing:
		return common.KindAllTilesMissing
	default:
		return common.DefaultErrorKind
	}
}

func writeTable(path string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to encode ledger header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to encode ledger rows: %w", err)
	}
	if err := storage.WriteFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write ledger %s: %w", path, err)
	}
	return nil
}

func indexOf(list []string, name string) int {
	for i, v := range list {
		if v == name {
			return i
		}
	}
	return -1
}
