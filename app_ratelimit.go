package main

import (
	"time"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
	"github.com/ZrimYoung/StreetViewDownloader/internal/ratelimit"
	"github.com/ZrimYoung/StreetViewDownloader/internal/telemetry"
)

// watchRateLimits reports the start and end of every 429 episode
func (a *App) watchRateLimits(h *ratelimit.Handler) {
	h.SetOnRateLimit(func(event ratelimit.RateLimitEvent) {
		if event.Hits != 1 {
			return
		}
		a.tracker.Track(telemetry.EventRateLimited, map[string]interface{}{
			"endpoint": event.Endpoint,
			"status":   event.StatusCode,
		})
	})
	h.SetOnRecovered(func(endpoint string, event ratelimit.RateLimitEvent) {
		a.tracker.Track(telemetry.EventRateLimitClear, map[string]interface{}{
			"endpoint": endpoint,
			"hits":     event.Hits,
			"seconds":  time.Since(event.Timestamp).Seconds(),
		})
	})
}

// logCacheStats logs tile cache usage and the run's rate-limit totals
func (a *App) logCacheStats() {
	if a.rateLimits != nil {
		for _, endpoint := range []string{common.EndpointSession, common.EndpointPanoIDs, common.EndpointTiles} {
			if hits := a.rateLimits.TotalHits(endpoint); hits > 0 {
				a.logger.Warn("rate-limited responses this run", "endpoint", endpoint, "hits", hits,
					"still_limited", a.rateLimits.IsRateLimited(endpoint))
			}
		}
	}

	if a.tileCache == nil {
		return
	}
	entries, sizeBytes, maxBytes := a.tileCache.Stats()
	a.logger.Info("tile cache",
		"entries", entries,
		"size_mb", float64(sizeBytes)/1024/1024,
		"max_mb", float64(maxBytes)/1024/1024)
}
