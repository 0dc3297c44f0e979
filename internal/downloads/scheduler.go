package downloads

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/ledger"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
	"github.com/ZrimYoung/StreetViewDownloader/internal/observability"
	"github.com/ZrimYoung/StreetViewDownloader/internal/streetview"
	"github.com/ZrimYoung/StreetViewDownloader/internal/telemetry"
	"github.com/ZrimYoung/StreetViewDownloader/internal/utils/naming"
)

// Resolver maps a batch of locations to pano IDs, positionally
type Resolver interface {
	ResolvePanoIDs(ctx context.Context, session string, locations []streetview.Location) ([]string, error)
}

// Processor handles one resolved point
type Processor interface {
	Process(ctx context.Context, item WorkItem, panoID string) common.Outcome
}

// SchedulerConfig configures a Scheduler
type SchedulerConfig struct {
	Session    string
	BatchSize  int
	NumBatches int
	MaxWorkers int
	SaveDir    string // where results_batch_{n}.csv snapshots go

	Resolver  Resolver
	Processor Processor
	Ledger    *ledger.Store
	SkipSet   *SkipSet

	Metrics    observability.Recorder
	Tracker    telemetry.Tracker
	OnProgress func(DownloadProgress)
	Logger     *slog.Logger
}

// RunSummary describes a finished run
type RunSummary struct {
	Batches     int
	Attempted   int
	Succeeded   int
	Failed      int
	FailedKinds map[common.ErrorKind]int
	Interrupted bool
	Duration    time.Duration
}

// Scheduler drives the batch loop: draw, resolve, dispatch, collect, persist
type Scheduler struct {
	cfg     SchedulerConfig
	metrics observability.Recorder
	tracker telemetry.Tracker
	logger  *slog.Logger

	// failures that could not be merged yet; retried on the next persist
	pendingFailures []ledger.FailureRecord
}

// NewScheduler creates a scheduler
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultWorkers
	}
	if cfg.SkipSet == nil {
		cfg.SkipSet = NewSkipSet()
	}
	s := &Scheduler{
		cfg:     cfg,
		metrics: cfg.Metrics,
		tracker: cfg.Tracker,
		logger:  logging.Component(cfg.Logger, "scheduler"),
	}
	if s.metrics == nil {
		s.metrics = observability.NoopRecorder{}
	}
	if s.tracker == nil {
		s.tracker = telemetry.Noop{}
	}
	return s
}

// Run processes up to NumBatches batches of items. Cancelling ctx stops the
// loop before the next batch is drawn; points already dispatched finish on a
// detached context and the current batch is persisted. The returned error is
// only non-nil when the success ledger could not be written.
func (s *Scheduler) Run(ctx context.Context, items []WorkItem) (RunSummary, error) {
	start := time.Now()
	summary := RunSummary{FailedKinds: map[common.ErrorKind]int{}}
	workCtx := context.WithoutCancel(ctx)

	var successes []string

	s.logger.Info("run started",
		"points", len(items), "skipped", s.cfg.SkipSet.Len(),
		"batch_size", s.cfg.BatchSize, "num_batches", s.cfg.NumBatches, "workers", s.cfg.MaxWorkers)
	s.tracker.Track(telemetry.EventRunStarted, map[string]interface{}{
		"points":      len(items),
		"skipped":     s.cfg.SkipSet.Len(),
		"batch_size":  s.cfg.BatchSize,
		"num_batches": s.cfg.NumBatches,
	})

	for n := 1; n <= s.cfg.NumBatches; n++ {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("interrupted, no further batches will be drawn", "next_batch", n)
			summary.Interrupted = true
			break
		}

		batch := s.draw(items)
		if len(batch) == 0 {
			s.logger.Info("no remaining points to process", "batch", n)
			break
		}

		batchStart := time.Now()
		outcomes := s.runBatch(workCtx, n, batch)
		summary.Batches++
		summary.Attempted += len(outcomes)

		var failures []ledger.FailureRecord
		var snapshot []ledger.SnapshotRow
		for _, o := range outcomes {
			if o.Success {
				successes = append(successes, o.ID)
				snapshot = append(snapshot, ledger.SnapshotRow{ID: o.ID, PanoID: o.PanoID, File: o.Filename})
				summary.Succeeded++
				continue
			}
			failures = append(failures, ledger.FailureRecord{ID: o.ID, Reason: o.Reason, Kind: o.Kind})
			summary.Failed++
			summary.FailedKinds[o.Kind]++
		}

		s.emit(DownloadProgress{
			Batch: n, TotalBatches: s.cfg.NumBatches,
			Completed: len(outcomes), Total: len(batch), Percent: 100,
			Succeeded: summary.Succeeded, Failed: summary.Failed,
			Status: StatusPersisting,
		})
		s.persistBatch(n, failures, snapshot)

		elapsed := time.Since(batchStart)
		s.metrics.RecordBatch(workCtx, len(batch), elapsed)
		s.tracker.Track(telemetry.EventBatchCompleted, map[string]interface{}{
			"batch":     n,
			"size":      len(batch),
			"succeeded": len(snapshot),
			"failed":    len(failures),
			"duration":  elapsed.Seconds(),
		})
		s.logger.Info("batch completed",
			"batch", n, "size", len(batch), "succeeded", len(snapshot), "failed", len(failures),
			"duration", elapsed.Round(time.Millisecond))
	}

	// Failures that never made it to disk get one more chance
	if len(s.pendingFailures) > 0 {
		s.flushFailures(nil)
	}

	var err error
	if len(successes) > 0 {
		if mergeErr := s.cfg.Ledger.MergeSuccesses(successes); mergeErr != nil {
			s.logger.Error("failed to update success ledger", "path", s.cfg.Ledger.SuccessPath(), "error", mergeErr)
			err = fmt.Errorf("failed to update success ledger: %w", mergeErr)
		} else {
			s.logger.Info("success ledger updated", "path", s.cfg.Ledger.SuccessPath(), "added", len(successes))
		}
	}

	summary.Duration = time.Since(start)
	s.emit(DownloadProgress{
		Batch: summary.Batches, TotalBatches: s.cfg.NumBatches,
		Percent: 100, Succeeded: summary.Succeeded, Failed: summary.Failed,
		Status: StatusDone,
	})
	s.tracker.Track(telemetry.EventRunCompleted, map[string]interface{}{
		"batches":     summary.Batches,
		"attempted":   summary.Attempted,
		"succeeded":   summary.Succeeded,
		"failed":      summary.Failed,
		"interrupted": summary.Interrupted,
		"duration":    summary.Duration.Seconds(),
	})
	s.logger.Info("run completed",
		"batches", summary.Batches, "attempted", summary.Attempted,
		"succeeded", summary.Succeeded, "failed", summary.Failed,
		"interrupted", summary.Interrupted, "duration", summary.Duration.Round(time.Millisecond))
	return summary, err
}

// draw takes up to BatchSize un-skipped items in input order
func (s *Scheduler) draw(items []WorkItem) []WorkItem {
	remaining := lo.Filter(items, func(it WorkItem, _ int) bool {
		return !s.cfg.SkipSet.Contains(it.ID)
	})
	if s.cfg.BatchSize > 0 && len(remaining) > s.cfg.BatchSize {
		remaining = remaining[:s.cfg.BatchSize]
	}
	return remaining
}

// runBatch resolves and processes one batch, returning outcomes in
// completion order. Every returned ID has been added to the skip set.
func (s *Scheduler) runBatch(ctx context.Context, n int, batch []WorkItem) []common.Outcome {
	log := s.logger.With("batch", n)

	s.emit(DownloadProgress{
		Batch: n, TotalBatches: s.cfg.NumBatches, Total: len(batch), Status: StatusResolving,
	})

	locations := lo.Map(batch, func(it WorkItem, _ int) streetview.Location {
		return streetview.Location{Lat: it.Lat, Lng: it.Lng}
	})
	panoIDs, err := s.cfg.Resolver.ResolvePanoIDs(ctx, s.cfg.Session, locations)
	if err != nil {
		kind := streetview.KindOf(err, common.KindUnclassifiedRequest)
		log.Error("failed to resolve pano IDs, failing batch", "points", len(batch), "error_kind", kind, "error", err)
		reason := fmt.Sprintf("panoId lookup failed: %v", err)
		return lo.Map(batch, func(it WorkItem, _ int) common.Outcome {
			o := common.Failed(it.ID, reason, kind)
			s.metrics.RecordPoint(ctx, o)
			s.cfg.SkipSet.Add(it.ID)
			return o
		})
	}
	found := lo.CountBy(panoIDs, func(id string) bool { return id != "" })
	log.Info("pano IDs resolved", "points", len(batch), "found", found)

	results := make(chan common.Outcome, len(batch))
	sem := semaphore.NewWeighted(int64(s.cfg.MaxWorkers))

	go func() {
		for i, item := range batch {
			panoID := ""
			if i < len(panoIDs) {
				panoID = panoIDs[i]
			}
			// ctx is detached from interrupts, so Acquire only fails if
			// the caller passed an already-cancelled context
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- common.Failed(item.ID, err.Error(), common.KindInternalProcessing)
				continue
			}
			go func(item WorkItem, panoID string) {
				defer sem.Release(1)
				defer func() {
					if r := recover(); r != nil {
						log.Error("point worker panicked", "id", item.ID, "panic", r)
						results <- common.Failed(item.ID, fmt.Sprintf("panic: %v", r), common.KindGeneralException)
					}
				}()
				results <- s.cfg.Processor.Process(ctx, item, panoID)
			}(item, panoID)
		}
	}()

	outcomes := make([]common.Outcome, 0, len(batch))
	for len(outcomes) < len(batch) {
		o := <-results
		outcomes = append(outcomes, o)
		s.cfg.SkipSet.Add(o.ID)

		if o.Success {
			log.Debug("point succeeded", "id", o.ID, "file", o.Filename)
		} else {
			log.Debug("point failed", "id", o.ID, "error_kind", o.Kind, "reason", o.Reason)
		}
		s.emit(DownloadProgress{
			Batch: n, TotalBatches: s.cfg.NumBatches,
			Completed: len(outcomes), Total: len(batch),
			Percent: percent(len(outcomes), len(batch)),
			Status:  StatusDownloading,
		})
	}
	return outcomes
}

// persistBatch merges the batch failures and writes the batch snapshot
func (s *Scheduler) persistBatch(n int, failures []ledger.FailureRecord, snapshot []ledger.SnapshotRow) {
	s.flushFailures(failures)

	if len(snapshot) == 0 {
		return
	}
	path := filepath.Join(s.cfg.SaveDir, naming.BatchSnapshotFilename(n))
	if err := ledger.WriteSnapshot(path, snapshot); err != nil {
		s.logger.Error("failed to write batch snapshot", "batch", n, "path", path, "error", err)
		return
	}
	s.logger.Debug("batch snapshot written", "batch", n, "path", path, "rows", len(snapshot))
}

// flushFailures merges pending plus new failures. On error they stay
// pending for the next attempt.
func (s *Scheduler) flushFailures(failures []ledger.FailureRecord) {
	s.pendingFailures = append(s.pendingFailures, failures...)
	if len(s.pendingFailures) == 0 {
		return
	}
	if err := s.cfg.Ledger.MergeFailures(s.pendingFailures); err != nil {
		s.logger.Error("failed to update failure ledger, will retry",
			"path", s.cfg.Ledger.FailurePath(), "pending", len(s.pendingFailures), "error", err)
		return
	}
	s.pendingFailures = nil
}

func (s *Scheduler) emit(p DownloadProgress) {
	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(p)
	}
}
