// Package observability records download and repair metrics.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
)

// Recorder records pipeline metrics.
// Use NewRecorder() for OTel metrics or NoopRecorder{} when disabled.
type Recorder interface {
	// RecordTile records one tile lookup: fetched, cached or missing.
	RecordTile(ctx context.Context, result string)

	// RecordPoint records one point outcome.
	RecordPoint(ctx context.Context, outcome common.Outcome)

	// RecordBatch records a finished batch.
	RecordBatch(ctx context.Context, size int, duration time.Duration)

	// RecordRepair records one repair-engine file result.
	RecordRepair(ctx context.Context, result string)
}

// Tile lookup results
const (
	TileFetched = "fetched"
	TileCached  = "cached"
	TileMissing = "missing"
)

type otelRecorder struct {
	tiles         metric.Int64Counter
	points        metric.Int64Counter
	batchDuration metric.Float64Histogram
	repairs       metric.Int64Counter
}

// NewRecorder returns a Recorder backed by the global OTel meter provider.
// If instrument creation fails it returns a no-op recorder.
func NewRecorder() Recorder {
	meter := otel.Meter("streetview-downloader")

	tiles, err := meter.Int64Counter("streetview.tiles",
		metric.WithDescription("Tile lookups by result"),
	)
	if err != nil {
		return NoopRecorder{}
	}

	points, err := meter.Int64Counter("streetview.points",
		metric.WithDescription("Processed points by outcome and error kind"),
	)
	if err != nil {
		return NoopRecorder{}
	}

	batchDuration, err := meter.Float64Histogram("streetview.batch.duration",
		metric.WithDescription("Batch wall time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return NoopRecorder{}
	}

	repairs, err := meter.Int64Counter("repair.images",
		metric.WithDescription("Repair engine files by result"),
	)
	if err != nil {
		return NoopRecorder{}
	}

	return &otelRecorder{
		tiles:         tiles,
		points:        points,
		batchDuration: batchDuration,
		repairs:       repairs,
	}
}

func (r *otelRecorder) RecordTile(ctx context.Context, result string) {
	r.tiles.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (r *otelRecorder) RecordPoint(ctx context.Context, outcome common.Outcome) {
	attrs := []attribute.KeyValue{attribute.String("outcome", "success")}
	if !outcome.Success {
		attrs = []attribute.KeyValue{
			attribute.String("outcome", "failure"),
			attribute.String("error_kind", outcome.Kind.String()),
		}
	}
	r.points.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (r *otelRecorder) RecordBatch(ctx context.Context, size int, duration time.Duration) {
	r.batchDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Int("size", size)))
}

func (r *otelRecorder) RecordRepair(ctx context.Context, result string) {
	r.repairs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) RecordTile(context.Context, string) {}
func (NoopRecorder) RecordPoint(context.Context, common.Outcome) {}
func (NoopRecorder) RecordBatch(context.Context, int, time.Duration) {}
func (NoopRecorder) RecordRepair(context.Context, string) {}
