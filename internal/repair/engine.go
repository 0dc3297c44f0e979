package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/imagery"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
	"github.com/ZrimYoung/StreetViewDownloader/internal/observability"
	"github.com/ZrimYoung/StreetViewDownloader/internal/storage"
	"github.com/ZrimYoung/StreetViewDownloader/internal/telemetry"
)

// Defaults
const (
	DefaultBlackThreshold  = 15
	DefaultBorderRatio     = 0.05
	DefaultAspectRatio     = 2.0
	DefaultWorkers         = 15
	DefaultCheckpointEvery = 100
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
	".tif": true, ".tiff": true, ".webp": true,
}

// Config configures an Engine
type Config struct {
	InputDir       string
	OutputDir      string
	ProblematicDir string
	ProgressPath   string

	BlackThreshold  float64
	BorderRatio     float64
	AspectRatio     float64
	Workers         int
	MaxImages       int // 0 means no limit
	CheckpointEvery int
	JPEGQuality     int

	// RetryFailed drops failed files from the processed set before the run
	RetryFailed bool

	Metrics    observability.Recorder
	Tracker    telemetry.Tracker
	OnProgress func(RepairProgress)
	Logger     *slog.Logger
}

// RepairProgress is emitted after every completed file
type RepairProgress struct {
	File        string `json:"file"`
	Result      Result `json:"result"`
	Completed   int    `json:"completed"`
	Total       int    `json:"total"` // files to process in this run
	Normal      int    `json:"normal"`
	Problematic int    `json:"problematic"`
	Failed      int    `json:"failed"`
	Percent     int    `json:"percent"`
}

// Report summarizes an engine run. The result counts include files
// recorded by earlier runs of the same checkpoint.
type Report struct {
	Total            int // image files found, after the MaxImages cap
	AlreadyProcessed int
	Normal           int
	Problematic      int
	Failed           int
	Interrupted      bool
	Duration         time.Duration
}

// Engine repairs a directory of panoramas
type Engine struct {
	cfg     Config
	metrics observability.Recorder
	tracker telemetry.Tracker
	logger  *slog.Logger
	now     func() time.Time

	saveMu sync.Mutex
}

// NewEngine creates an engine, filling unset numeric options with defaults
func NewEngine(cfg Config) *Engine {
	if cfg.BlackThreshold <= 0 {
		cfg.BlackThreshold = DefaultBlackThreshold
	}
	if cfg.BorderRatio <= 0 {
		cfg.BorderRatio = DefaultBorderRatio
	}
	if cfg.AspectRatio <= 0 {
		cfg.AspectRatio = DefaultAspectRatio
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = DefaultCheckpointEvery
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = imagery.DefaultJPEGQuality
	}
	e := &Engine{
		cfg:     cfg,
		metrics: cfg.Metrics,
		tracker: cfg.Tracker,
		logger:  logging.Component(cfg.Logger, "repair"),
		now:     time.Now,
	}
	if e.metrics == nil {
		e.metrics = observability.NoopRecorder{}
	}
	if e.tracker == nil {
		e.tracker = telemetry.Noop{}
	}
	return e
}

// ListImages returns the image files directly under dir, sorted by name and
// capped at limit when limit > 0
func ListImages(dir string, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

// Run processes every image under InputDir not already in the checkpoint.
// Cancelling ctx stops new files from being scheduled; files in flight
// finish and the checkpoint is saved before Run returns.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	start := e.now()
	progress := e.loadProgress()

	names, err := ListImages(e.cfg.InputDir, e.cfg.MaxImages)
	if err != nil {
		return Report{}, err
	}
	var pending []string
	for _, name := range names {
		if !progress.IsProcessed(name) {
			pending = append(pending, name)
		}
	}

	report := Report{Total: len(names), AlreadyProcessed: len(names) - len(pending)}
	progress.Begin(len(names), report.AlreadyProcessed, start)
	e.logger.Info("repair started",
		"input_dir", e.cfg.InputDir, "images", len(names),
		"already_processed", report.AlreadyProcessed, "pending", len(pending), "workers", e.cfg.Workers)

	if len(pending) == 0 {
		e.logger.Info("all images already processed")
		report.Normal, report.Problematic, report.Failed = progress.Counts()
		progress.Finish(e.now())
		return report, e.saveCheckpoint(progress)
	}

	var (
		mu        sync.Mutex
		completed int
	)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)

	for _, name := range pending {
		if ctx.Err() != nil {
			report.Interrupted = true
			e.logger.Warn("interrupted, no further images will be scheduled")
			break
		}
		g.Go(func() error {
			result := e.processFile(name)
			progress.Record(name, result)
			e.metrics.RecordRepair(context.Background(), string(result))

			mu.Lock()
			completed++
			done := completed
			mu.Unlock()

			if done%e.cfg.CheckpointEvery == 0 {
				if err := e.saveCheckpoint(progress); err != nil {
					e.logger.Error("failed to save checkpoint", "error", err)
				}
			}
			if e.cfg.OnProgress != nil {
				normal, problematic, failed := progress.Counts()
				e.cfg.OnProgress(RepairProgress{
					File: name, Result: result,
					Completed: done, Total: len(pending),
					Normal: normal, Problematic: problematic, Failed: failed,
					Percent: done * 100 / len(pending),
				})
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	progress.Finish(e.now())
	saveErr := e.saveCheckpoint(progress)

	report.Normal, report.Problematic, report.Failed = progress.Counts()
	report.Duration = e.now().Sub(start)

	e.tracker.Track(telemetry.EventRepairCompleted, map[string]interface{}{
		"images":      report.Total,
		"normal":      report.Normal,
		"problematic": report.Problematic,
		"failed":      report.Failed,
		"interrupted": report.Interrupted,
		"duration":    report.Duration.Seconds(),
	})
	e.logger.Info("repair finished",
		"normal", report.Normal, "problematic", report.Problematic, "failed", report.Failed,
		"interrupted", report.Interrupted, "duration", report.Duration.Round(time.Millisecond))
	return report, saveErr
}

func (e *Engine) loadProgress() *Progress {
	cp, err := LoadCheckpoint(e.cfg.ProgressPath)
	switch {
	case errors.Is(err, ErrNoCheckpoint):
		return NewProgress()
	case err != nil:
		e.logger.Error("failed to load checkpoint, starting fresh", "path", e.cfg.ProgressPath, "error", err)
		return NewProgress()
	}
	p := ProgressFromCheckpoint(cp, e.cfg.RetryFailed)
	e.logger.Info("resumed from checkpoint",
		"path", e.cfg.ProgressPath, "processed", len(cp.ProcessedFiles),
		"retry_failed", e.cfg.RetryFailed, "failed", len(cp.FailedFiles))
	return p
}

func (e *Engine) saveCheckpoint(p *Progress) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	return p.Snapshot(e.now()).SaveToFile(e.cfg.ProgressPath)
}

// processFile inspects one image and repairs it when it has a bottom border.
// The repaired copy is written before the original is moved aside.
func (e *Engine) processFile(name string) (result Result) {
	log := e.logger.With("file", name)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while repairing image", "panic", r, "stack", string(debug.Stack()))
			result = ResultFailed
		}
	}()

	src := filepath.Join(e.cfg.InputDir, name)
	img, _, err := imagery.DecodeFile(src)
	if err != nil {
		log.Warn("failed to read image", "error", err)
		return ResultFailed
	}

	det := Inspect(img, e.cfg.BlackThreshold, e.cfg.BorderRatio)
	if !det.HasBorder {
		log.Debug("no bottom border", "border_rows", det.BorderHeight)
		return ResultNormal
	}
	log.Debug("bottom border detected",
		"border_rows", det.BorderHeight, "height", det.Height, "valid_bottom", det.ValidBottom)

	format, ok := common.FormatFromPath(name)
	if !ok {
		log.Warn("no encoder for file extension")
		return ResultFailed
	}
	fixed := Rebuild(img, det.ValidBottom, e.cfg.AspectRatio)
	data, err := imagery.EncodeBytes(fixed, format, e.cfg.JPEGQuality)
	if err != nil {
		log.Error("failed to encode repaired image", "error", err)
		return ResultFailed
	}

	if err := storage.WriteFileAtomic(filepath.Join(e.cfg.OutputDir, name), data); err != nil {
		log.Error("failed to write repaired image", "error", err)
		return ResultFailed
	}
	if err := storage.MoveFile(src, filepath.Join(e.cfg.ProblematicDir, name)); err != nil {
		log.Error("failed to move original", "error", err)
		return ResultFailed
	}
	return ResultProblematic
}
