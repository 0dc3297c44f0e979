package downloads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/imagery"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
	"github.com/ZrimYoung/StreetViewDownloader/internal/observability"
	"github.com/ZrimYoung/StreetViewDownloader/internal/storage"
	"github.com/ZrimYoung/StreetViewDownloader/internal/utils/naming"
)

// WorkerConfig configures a PointWorker
type WorkerConfig struct {
	// Sources returns the tile source for one panorama
	Sources     func(panoID string) imagery.TileSource
	Assembler   *imagery.Assembler
	Store       *storage.LocalStore
	Format      common.OutputFormat
	JPEGQuality int
	Mirror      storage.Mirror // optional
	Metrics     observability.Recorder
	Logger      *slog.Logger
}

// PointWorker turns one resolved work item into a saved panorama
type PointWorker struct {
	sources     func(panoID string) imagery.TileSource
	assembler   *imagery.Assembler
	store       *storage.LocalStore
	format      common.OutputFormat
	jpegQuality int
	mirror      storage.Mirror
	metrics     observability.Recorder
	logger      *slog.Logger
}

// NewPointWorker creates a worker
func NewPointWorker(cfg WorkerConfig) *PointWorker {
	format := cfg.Format
	if format == "" {
		format = common.FormatJPEG
	}
	quality := cfg.JPEGQuality
	if quality <= 0 {
		quality = imagery.DefaultJPEGQuality
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NoopRecorder{}
	}
	return &PointWorker{
		sources:     cfg.Sources,
		assembler:   cfg.Assembler,
		store:       cfg.Store,
		format:      format,
		jpegQuality: quality,
		mirror:      cfg.Mirror,
		metrics:     metrics,
		logger:      logging.Component(cfg.Logger, "worker"),
	}
}

// Process downloads, assembles and saves the panorama for item. It never
// panics and never returns an error: every failure is reported through the
// outcome.
func (w *PointWorker) Process(ctx context.Context, item WorkItem, panoID string) (outcome common.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while processing point",
				"id", item.ID, "panic", r, "stack", string(debug.Stack()))
			outcome = common.Failed(item.ID, fmt.Sprintf("panic: %v", r), common.KindGeneralException)
		}
		w.metrics.RecordPoint(ctx, outcome)
	}()

	if panoID == "" {
		w.logger.Info("no panorama at location", "id", item.ID, "lat", item.Lat, "lng", item.Lng)
		return common.Failed(item.ID, common.ReasonNoPanoID, common.KindNoPanoIDFound)
	}

	log := w.logger.With("id", item.ID, "pano_id", panoID)

	img, stats, err := w.assembler.Assemble(ctx, w.sources(panoID))
	if err != nil {
		if errors.Is(err, imagery.ErrAllTilesMissing) {
			log.Warn("every tile missing, nothing saved", "tiles", stats.Total)
			return common.Failed(item.ID, common.ReasonAllTilesMissing, common.KindAllTilesMissing)
		}
		log.Warn("panorama aborted", "error", err)
		return common.FailedFromError(item.ID, err, common.KindGeneralException)
	}
	if stats.Missing > 0 {
		log.Warn("saving partial panorama", "missing", stats.Missing, "total", stats.Total)
	}

	data, err := imagery.EncodeBytes(img, string(w.format), w.jpegQuality)
	if err != nil {
		log.Error("failed to encode panorama", "error", err)
		return common.Failed(item.ID, fmt.Sprintf("encode: %v", err), common.KindInternalProcessing)
	}

	filename := naming.PanoramaFilename(item.ID, panoID, w.format.Extension())
	path, err := w.store.Write(filename, data)
	if err != nil {
		log.Error("failed to save panorama", "error", err)
		return common.Failed(item.ID, fmt.Sprintf("save: %v", err), common.KindInternalProcessing)
	}

	if w.mirror != nil {
		if err := w.mirror.Upload(ctx, filename, data); err != nil {
			log.Warn("failed to mirror panorama", "uri", w.mirror.URI(filename), "error", err)
		}
	}

	log.Debug("panorama saved", "path", path, "bytes", len(data))
	return common.Succeeded(item.ID, panoID, filename)
}
