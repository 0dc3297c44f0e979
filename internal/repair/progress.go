package repair

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/storage"
)

// ErrNoCheckpoint is returned by LoadCheckpoint when no file exists yet
var ErrNoCheckpoint = errors.New("no checkpoint")

// Result is the outcome of repairing one file
type Result string

const (
	ResultNormal      Result = "normal"
	ResultProblematic Result = "problematic"
	ResultFailed      Result = "failed"
)

// Stats summarizes a repair run
type Stats struct {
	TotalImages       int    `json:"total_images"`
	ProcessedImages   int    `json:"processed_images"`
	ProblematicImages int    `json:"problematic_images"`
	FailedImages      int    `json:"failed_images"`
	SkippedImages     int    `json:"skipped_images"`
	StartTime         string `json:"start_time,omitempty"`
	EndTime           string `json:"end_time,omitempty"`
}

// Checkpoint is the on-disk progress record
type Checkpoint struct {
	ProcessedFiles   []string `json:"processed_files"`
	ProblematicFiles []string `json:"problematic_files"`
	FailedFiles      []string `json:"failed_files"`
	NormalFiles      []string `json:"normal_files"`
	LastUpdate       string   `json:"last_update,omitempty"`
	TotalFiles       int      `json:"total_files"`
	Stats            Stats    `json:"stats"`
}

// LoadCheckpoint reads a checkpoint file
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// SaveToFile writes the checkpoint atomically
func (cp *Checkpoint) SaveToFile(path string) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := storage.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Progress is the in-memory, mutex-guarded form of a checkpoint
type Progress struct {
	mu          sync.Mutex
	processed   map[string]struct{}
	problematic map[string]struct{}
	failed      map[string]struct{}
	normal      map[string]struct{}
	total       int
	stats       Stats
}

// NewProgress creates empty progress
func NewProgress() *Progress {
	return &Progress{
		processed:   map[string]struct{}{},
		problematic: map[string]struct{}{},
		failed:      map[string]struct{}{},
		normal:      map[string]struct{}{},
	}
}

// ProgressFromCheckpoint restores progress. Every file in a result set
// counts as processed, and a file listed in more than one set keeps its
// most definitive result: problematic, then normal, then failed. With
// retryFailed, failed files are dropped so they are attempted again.
func ProgressFromCheckpoint(cp *Checkpoint, retryFailed bool) *Progress {
	p := NewProgress()
	fill(p.processed, cp.ProcessedFiles)
	fill(p.problematic, cp.ProblematicFiles)
	fill(p.normal, cp.NormalFiles)
	fill(p.failed, cp.FailedFiles)

	for name := range p.problematic {
		delete(p.normal, name)
		delete(p.failed, name)
	}
	for name := range p.normal {
		delete(p.failed, name)
	}
	for _, set := range []map[string]struct{}{p.problematic, p.normal, p.failed} {
		for name := range set {
			p.processed[name] = struct{}{}
		}
	}

	if retryFailed {
		for name := range p.failed {
			delete(p.processed, name)
		}
		p.failed = map[string]struct{}{}
	}
	p.total = cp.TotalFiles
	p.stats = cp.Stats
	return p
}

func fill(set map[string]struct{}, names []string) {
	for _, n := range names {
		set[n] = struct{}{}
	}
}

// IsProcessed reports whether name has been handled by an earlier run
func (p *Progress) IsProcessed(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.processed[name]
	return ok
}

// Record stores the result for one file, replacing any earlier result
func (p *Progress) Record(name string, result Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.normal, name)
	delete(p.problematic, name)
	delete(p.failed, name)
	switch result {
	case ResultNormal:
		p.normal[name] = struct{}{}
	case ResultProblematic:
		p.problematic[name] = struct{}{}
	case ResultFailed:
		p.failed[name] = struct{}{}
	}
	p.processed[name] = struct{}{}
}

// Counts returns the number of files in each result set
func (p *Progress) Counts() (normal, problematic, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.normal), len(p.problematic), len(p.failed)
}

// Begin stamps the start of a run over total files, skipped of which were
// handled by earlier runs
func (p *Progress) Begin(total, skipped int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
	p.stats.TotalImages = total
	p.stats.SkippedImages = skipped
	p.stats.StartTime = common.FormatCheckpointTime(now)
	p.stats.EndTime = ""
}

// Finish stamps the end of a run
func (p *Progress) Finish(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.EndTime = common.FormatCheckpointTime(now)
}

// Snapshot returns the checkpoint form with sorted lists. Stats counts
// are derived from the result sets.
func (p *Progress) Snapshot(now time.Time) *Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.ProcessedImages = len(p.normal) + len(p.problematic)
	p.stats.ProblematicImages = len(p.problematic)
	p.stats.FailedImages = len(p.failed)
	return &Checkpoint{
		ProcessedFiles:   sortedKeys(p.processed),
		ProblematicFiles: sortedKeys(p.problematic),
		FailedFiles:      sortedKeys(p.failed),
		NormalFiles:      sortedKeys(p.normal),
		LastUpdate:       common.FormatCheckpointTime(now),
		TotalFiles:       p.total,
		Stats:            p.stats,
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
