package streetview

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ZrimYoung/StreetViewDownloader/internal/cache"
	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
	"github.com/ZrimYoung/StreetViewDownloader/internal/observability"
)

const (
	// DefaultMaxAttempts is the number of requests made for one tile
	DefaultMaxAttempts = 3

	rateLimitBackoffFactor = 5
	maxRateLimitBackoff    = 60 * time.Second
	maxServerBackoff       = 30 * time.Second
)

// FetcherConfig configures a TileFetcher
type FetcherConfig struct {
	Zoom int

	// SleepTime is the fixed pause after every request attempt
	SleepTime time.Duration

	// RetryBase is the first backoff interval for 5xx and transport errors;
	// 429 backs off from five times this value
	RetryBase time.Duration

	MaxAttempts int
	Cache       *cache.TileCache
	Metrics     observability.Recorder
	Logger      *slog.Logger

	// Sleep replaces the context-aware pause; used by tests
	Sleep func(ctx context.Context, d time.Duration) error
}

// TileFetcher downloads single tiles with bounded retry. Its results are one
// of: tile bytes, an error wrapping common.ErrTileMissing, or a
// *common.PointError that aborts the whole panorama.
type TileFetcher struct {
	client      *Client
	zoom        int
	sleepTime   time.Duration
	retryBase   time.Duration
	maxAttempts int
	cache       *cache.TileCache
	metrics     observability.Recorder
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// NewTileFetcher creates a new tile fetcher
func NewTileFetcher(client *Client, cfg FetcherConfig) *TileFetcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NoopRecorder{}
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &TileFetcher{
		client:      client,
		zoom:        cfg.Zoom,
		sleepTime:   cfg.SleepTime,
		retryBase:   cfg.RetryBase,
		maxAttempts: maxAttempts,
		cache:       cfg.Cache,
		metrics:     metrics,
		sleep:       sleep,
		logger:      logging.Component(cfg.Logger, "tile-fetcher"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// FetchTile returns the bytes of one tile of panoID
func (f *TileFetcher) FetchTile(ctx context.Context, session, panoID string, coord common.TileCoord) ([]byte, error) {
	key := cache.TileKey(f.zoom, coord.Col, coord.Row, panoID)
	if f.cache != nil {
		if data, ok := f.cache.Get(key); ok {
			f.metrics.RecordTile(ctx, observability.TileCached)
			return data, nil
		}
	}

	log := f.logger.With("pano_id", panoID, "tile", coord.String())
	serverBackoff := newBackoff(f.retryBase, maxServerBackoff)
	rateBackoff := newBackoff(f.retryBase*rateLimitBackoffFactor, maxRateLimitBackoff)
	var lastKind common.ErrorKind

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		status, data, err := f.client.fetchTileOnce(ctx, session, panoID, f.zoom, coord)
		if pauseErr := f.sleep(ctx, f.sleepTime); pauseErr != nil {
			return nil, interrupted(coord, pauseErr)
		}

		var wait time.Duration
		switch {
		case err != nil:
			kind := KindForTransportError(err)
			if !transient(kind) {
				return nil, &common.PointError{
					Kind:   kind,
					Reason: fmt.Sprintf("tile %s request failed", coord),
					Err:    err,
				}
			}
			log.Warn("tile request failed", "attempt", attempt, "kind", kind, "error", err)
			lastKind = kind
			wait = serverBackoff.NextBackOff()

		case status == http.StatusOK:
			f.metrics.RecordTile(ctx, observability.TileFetched)
			if f.cache != nil {
				if err := f.cache.Set(key, data); err != nil {
					log.Debug("failed to cache tile", "error", err)
				}
			}
			return data, nil

		case status == http.StatusNotFound:
			log.Debug("tile not found")
			f.metrics.RecordTile(ctx, observability.TileMissing)
			return nil, fmt.Errorf("%w: %s not found", common.ErrTileMissing, coord)

		case status == http.StatusTooManyRequests:
			log.Warn("tile rate limited", "attempt", attempt)
			lastKind = common.KindAPIRateLimit
			wait = rateBackoff.NextBackOff()

		case status >= 500 && status <= 599:
			log.Warn("tile server error", "attempt", attempt, "status", status)
			lastKind = common.KindAPIServerError
			wait = serverBackoff.NextBackOff()

		default:
			// 400, 401, 403 and anything unexpected abort the panorama
			kind := KindForStatus(status)
			return nil, &common.PointError{
				Kind:   kind,
				Reason: fmt.Sprintf("tile %s HTTP %d: %s", coord, status, truncateBody(data)),
			}
		}

		if attempt < f.maxAttempts {
			if pauseErr := f.sleep(ctx, wait); pauseErr != nil {
				return nil, interrupted(coord, pauseErr)
			}
		}
	}

	f.metrics.RecordTile(ctx, observability.TileMissing)
	log.Warn("tile missing after retries", "attempts", f.maxAttempts, "kind", lastKind)
	return nil, fmt.Errorf("%w: %s %s after %d attempts", common.ErrTileMissing, coord, lastKind, f.maxAttempts)
}

func interrupted(coord common.TileCoord, err error) error {
	return &common.PointError{
		Kind:   common.KindUnclassifiedRequest,
		Reason: fmt.Sprintf("tile %s interrupted", coord),
		Err:    err,
	}
}

// ForPanorama binds the fetcher to one panorama so it can feed an assembler
func (f *TileFetcher) ForPanorama(session, panoID string) *PanoramaSource {
	return &PanoramaSource{fetcher: f, session: session, panoID: panoID}
}

// PanoramaSource serves the tiles of one panorama
type PanoramaSource struct {
	fetcher *TileFetcher
	session string
	panoID  string
}

// FetchTile returns the tile at coord
func (s *PanoramaSource) FetchTile(ctx context.Context, coord common.TileCoord) ([]byte, error) {
	return s.fetcher.FetchTile(ctx, s.session, s.panoID, coord)
}
