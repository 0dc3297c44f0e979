package main

import (
	"context"
	"fmt"
	"log/slog"
	goruntime "runtime"
	"time"

	"github.com/ZrimYoung/StreetViewDownloader/internal/cache"
	"github.com/ZrimYoung/StreetViewDownloader/internal/config"
	"github.com/ZrimYoung/StreetViewDownloader/internal/downloads"
	"github.com/ZrimYoung/StreetViewDownloader/internal/imagery"
	"github.com/ZrimYoung/StreetViewDownloader/internal/ledger"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
	"github.com/ZrimYoung/StreetViewDownloader/internal/observability"
	"github.com/ZrimYoung/StreetViewDownloader/internal/ratelimit"
	"github.com/ZrimYoung/StreetViewDownloader/internal/repair"
	"github.com/ZrimYoung/StreetViewDownloader/internal/storage"
	"github.com/ZrimYoung/StreetViewDownloader/internal/streetview"
	"github.com/ZrimYoung/StreetViewDownloader/internal/telemetry"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// App holds the components shared by the download and repair commands
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	runID      string
	tracker    telemetry.Tracker
	metrics    observability.Recorder
	tileCache  *cache.TileCache
	rateLimits *ratelimit.Handler
	mirror     *storage.BucketMirror
}

// NewApp creates the app for one process run
func NewApp(cfg *config.Config, logger *slog.Logger, runID string) *App {
	key, host := cfg.Telemetry.PostHogKey, cfg.Telemetry.PostHogHost
	if key == "" {
		key = PostHogKey
	}
	if host == "" {
		host = PostHogHost
	}

	return &App{
		cfg:    cfg,
		logger: logger,
		runID:  runID,
		tracker: telemetry.New(telemetry.Config{
			Key:   key,
			Host:  host,
			RunID: runID,
		}, logger),
		metrics: observability.NewRecorder(),
	}
}

// Download runs the batch downloader. Any returned error is fatal.
func (a *App) Download(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.ValidateDownload(); err != nil {
		return err
	}

	apiKey, err := cfg.ReadAPIKey()
	if err != nil {
		return err
	}
	items, err := downloads.LoadWorkList(cfg.Paths.CSVPath, a.logger)
	if err != nil {
		return err
	}

	ledgers := ledger.NewStore(cfg.Paths.LogPath, cfg.Paths.FailLogPath, a.logger)
	if err := ledgers.Init(); err != nil {
		return err
	}
	successIDs, err := ledgers.SuccessIDs()
	if err != nil {
		return err
	}
	failures, err := ledgers.Failures()
	if err != nil {
		return err
	}
	skip := downloads.BuildSkipSet(successIDs, failures, cfg.Params.RetryFailedPoints)
	a.logger.Info("ledgers loaded",
		"successes", len(successIDs), "failures", len(failures),
		"retry_failed", cfg.Params.RetryFailedPoints, "skipped", skip.Len())

	if cfg.Cache.Dir != "" {
		tileCache, err := cache.NewTileCache(cfg.Cache.Dir, cfg.Cache.MaxSizeMB)
		if err != nil {
			a.logger.Warn("failed to initialize tile cache, continuing without it", "dir", cfg.Cache.Dir, "error", err)
		} else {
			a.tileCache = tileCache
			a.logger.Info("tile cache initialized", "dir", cfg.Cache.Dir, "max_mb", cfg.Cache.MaxSizeMB)
		}
	}

	if cfg.Paths.MirrorURL != "" {
		mirror, err := storage.OpenMirror(ctx, cfg.Paths.MirrorURL, "")
		if err != nil {
			a.logger.Warn("failed to open mirror, continuing without it", "url", cfg.Paths.MirrorURL, "error", err)
		} else {
			a.mirror = mirror
		}
	}

	a.rateLimits = ratelimit.NewHandler(a.logger)
	a.watchRateLimits(a.rateLimits)

	client := streetview.NewClient(streetview.ClientConfig{
		BaseURL:    cfg.API.BaseURL,
		APIKey:     apiKey,
		Radius:     cfg.API.Radius,
		Limiter:    ratelimit.NewLimiter(cfg.API.RequestsPerSecond, cfg.Params.MaxPointWorkers),
		RateLimits: a.rateLimits,
		Logger:     a.logger,
	})

	session, err := client.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	fetcher := streetview.NewTileFetcher(client, streetview.FetcherConfig{
		Zoom:      cfg.Tiles.Zoom,
		SleepTime: cfg.SleepDuration(),
		RetryBase: cfg.RetryBaseDelay(),
		Cache:     a.tileCache,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
	saveStore, err := storage.NewLocalStore(cfg.Paths.SaveDir)
	if err != nil {
		return err
	}
	workerCfg := downloads.WorkerConfig{
		Sources: func(panoID string) imagery.TileSource {
			return fetcher.ForPanorama(session.Token, panoID)
		},
		Assembler:   imagery.NewAssembler(cfg.Grid(), a.logger),
		Store:       saveStore,
		Format:      cfg.Format(),
		JPEGQuality: cfg.Tiles.JPEGQuality,
		Metrics:     a.metrics,
		Logger:      a.logger,
	}
	if a.mirror != nil {
		workerCfg.Mirror = a.mirror
	}

	scheduler := downloads.NewScheduler(downloads.SchedulerConfig{
		Session:    session.Token,
		BatchSize:  cfg.Params.BatchSize,
		NumBatches: cfg.Params.NumBatches,
		MaxWorkers: cfg.Params.MaxPointWorkers,
		SaveDir:    cfg.Paths.SaveDir,
		Resolver:   client,
		Processor:  downloads.NewPointWorker(workerCfg),
		Ledger:     ledgers,
		SkipSet:    skip,
		Metrics:    a.metrics,
		Tracker:    a.tracker,
		OnProgress: a.reportDownload,
		Logger:     a.logger,
	})

	summary, err := scheduler.Run(ctx, items)
	a.logCacheStats()
	if err != nil {
		return err
	}
	for kind, n := range summary.FailedKinds {
		a.logger.Info("failures by kind", "error_kind", kind, "count", n)
	}
	return nil
}

// Repair runs the border repair engine. Any returned error is fatal.
func (a *App) Repair(ctx context.Context, retryFailed bool) error {
	cfg := a.cfg
	if err := cfg.ValidateRepair(); err != nil {
		return err
	}

	engine := repair.NewEngine(repair.Config{
		InputDir:        cfg.Repair.InputDir,
		OutputDir:       cfg.Repair.OutputDir,
		ProblematicDir:  cfg.Repair.ProblematicDir,
		ProgressPath:    cfg.Repair.ProgressPath,
		BlackThreshold:  cfg.Repair.BlackThreshold,
		BorderRatio:     cfg.Repair.BottomBlackEdgeRatio,
		AspectRatio:     cfg.Repair.TargetAspectRatio,
		Workers:         cfg.Repair.NumWorkers,
		MaxImages:       cfg.Repair.MaxImages,
		CheckpointEvery: cfg.Repair.CheckpointEvery,
		JPEGQuality:     cfg.Tiles.JPEGQuality,
		RetryFailed:     retryFailed,
		Metrics:         a.metrics,
		Tracker:         a.tracker,
		OnProgress:      a.reportRepair,
		Logger:          a.logger,
	})
	_, err := engine.Run(ctx)
	return err
}

// TrackStart sends the process start event
func (a *App) TrackStart(command string) {
	a.tracker.Track(telemetry.EventAppStarted, map[string]interface{}{
		"command": command,
		"version": AppVersion,
		"os":      goruntime.GOOS,
		"arch":    goruntime.GOARCH,
	})
}

// Shutdown flushes telemetry and closes the mirror
func (a *App) Shutdown() {
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Warn("failed to close mirror", "error", err)
		}
	}
	done := make(chan struct{})
	go func() {
		if err := a.tracker.Close(); err != nil {
			a.logger.Debug("failed to flush telemetry", "error", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		a.logger.Warn("timed out flushing telemetry")
	}
}

// reportDownload is the single consumer of scheduler progress events
func (a *App) reportDownload(p downloads.DownloadProgress) {
	log := logging.Component(a.logger, "progress")
	switch p.Status {
	case downloads.StatusDownloading:
		log.Debug("batch progress", "batch", p.Batch, "done", p.Completed, "of", p.Total, "percent", p.Percent)
	case downloads.StatusDone:
		log.Info("all batches finished", "batches", p.Batch, "succeeded", p.Succeeded, "failed", p.Failed)
	default:
		log.Info(p.Status, "batch", p.Batch, "of", p.TotalBatches, "points", p.Total,
			"succeeded", p.Succeeded, "failed", p.Failed)
	}
}

// reportRepair is the single consumer of repair progress events
func (a *App) reportRepair(p repair.RepairProgress) {
	log := logging.Component(a.logger, "progress")
	every := a.cfg.Repair.CheckpointEvery
	if every <= 0 || p.Completed%every == 0 || p.Completed == p.Total {
		log.Info("repair progress",
			"done", p.Completed, "of", p.Total, "percent", p.Percent,
			"normal", p.Normal, "problematic", p.Problematic, "failed", p.Failed)
		return
	}
	log.Debug("image repaired", "file", p.File, "result", p.Result)
}
