package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateLimitEvent represents a rate limit occurrence
type RateLimitEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Endpoint   string    `json:"endpoint"`   // "tiles", "panoIds" or "createSession"
	StatusCode int       `json:"statusCode"` // HTTP status code (429)
	Hits       int       `json:"hits"`       // Consecutive rate-limited responses
	Message    string    `json:"message"`
}

// Handler tracks rate-limit episodes per endpoint. An episode starts with
// the first 429 and ends with the next successful response.
type Handler struct {
	mu          sync.RWMutex
	rateLimited map[string]*RateLimitEvent // endpoint -> current rate limit state
	totalHits   map[string]int
	onRateLimit func(event RateLimitEvent)
	onRecovered func(endpoint string, event RateLimitEvent)
	logger      *slog.Logger
}

// NewHandler creates a new rate limit handler
func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		rateLimited: make(map[string]*RateLimitEvent),
		totalHits:   make(map[string]int),
		logger:      logger,
	}
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(endpoint string, event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimited checks if an endpoint is currently rate limited
func (h *Handler) IsRateLimited(endpoint string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, limited := h.rateLimited[endpoint]
	return limited
}

// Observe records the status of a response from endpoint and reports
// whether it was rate limited.
func (h *Handler) Observe(endpoint string, statusCode int) bool {
	if statusCode != http.StatusTooManyRequests {
		if statusCode >= 200 && statusCode < 300 {
			h.checkRecovery(endpoint)
		}
		return false
	}

	h.recordRateLimit(endpoint, statusCode)
	return true
}

// recordRateLimit records a rate limit event
func (h *Handler) recordRateLimit(endpoint string, statusCode int) {
	h.mu.Lock()

	hits := 1
	if existing, exists := h.rateLimited[endpoint]; exists {
		hits = existing.Hits + 1
	}
	h.totalHits[endpoint]++

	event := RateLimitEvent{
		Timestamp:  time.Now(),
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Hits:       hits,
		Message:    buildMessage(endpoint, statusCode, hits),
	}
	h.rateLimited[endpoint] = &event
	callback := h.onRateLimit
	h.mu.Unlock()

	if hits == 1 {
		h.logger.Warn("rate limited", "endpoint", endpoint, "status", statusCode)
	} else {
		h.logger.Debug("still rate limited", "endpoint", endpoint, "hits", hits)
	}

	if callback != nil {
		callback(event)
	}
}

// checkRecovery clears the episode for endpoint if one is open
func (h *Handler) checkRecovery(endpoint string) {
	h.mu.Lock()
	event, exists := h.rateLimited[endpoint]
	if !exists {
		h.mu.Unlock()
		return
	}
	delete(h.rateLimited, endpoint)
	callback := h.onRecovered
	h.mu.Unlock()

	h.logger.Info("rate limit cleared", "endpoint", endpoint, "hits", event.Hits,
		"duration", time.Since(event.Timestamp).Round(time.Millisecond))

	if callback != nil {
		callback(endpoint, *event)
	}
}

// TotalHits returns how many rate-limited responses endpoint has produced
func (h *Handler) TotalHits(endpoint string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalHits[endpoint]
}

func buildMessage(endpoint string, statusCode int, hits int) string {
	if hits == 1 {
		return fmt.Sprintf("%s rate limit detected (HTTP %d); backing off", endpoint, statusCode)
	}
	return fmt.Sprintf("%s still rate limited after %d responses", endpoint, hits)
}
