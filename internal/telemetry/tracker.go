// Package telemetry sends optional product analytics events.
package telemetry

import (
	"log/slog"
	"sync"

	"github.com/posthog/posthog-go"

	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
)

// Event names
const (
	EventAppStarted      = "app_started"
	EventRunStarted      = "run_started"
	EventBatchCompleted  = "batch_completed"
	EventRunCompleted    = "run_completed"
	EventRepairCompleted = "repair_completed"
	EventRateLimited     = "rate_limited"
	EventRateLimitClear  = "rate_limit_cleared"
)

// Tracker records analytics events
type Tracker interface {
	Track(event string, props map[string]interface{})
	Close() error
}

// Config configures the PostHog tracker
type Config struct {
	Key        string
	Host       string
	DistinctID string
	RunID      string
}

// New returns a PostHog-backed tracker, or a no-op tracker when no key is
// configured or the client cannot be created
func New(cfg Config, logger *slog.Logger) Tracker {
	log := logging.Component(logger, "telemetry")
	if cfg.Key == "" {
		return Noop{}
	}

	client, err := posthog.NewWithConfig(cfg.Key, posthog.Config{Endpoint: cfg.Host})
	if err != nil {
		log.Warn("failed to initialize PostHog", "error", err)
		return Noop{}
	}

	distinctID := cfg.DistinctID
	if distinctID == "" {
		distinctID = "streetview_downloader"
	}
	return &posthogTracker{client: client, distinctID: distinctID, runID: cfg.RunID, logger: log}
}

type posthogTracker struct {
	mu         sync.Mutex
	client     posthog.Client
	distinctID string
	runID      string
	logger     *slog.Logger
}

func (t *posthogTracker) Track(event string, props map[string]interface{}) {
	if props == nil {
		props = map[string]interface{}{}
	}
	if t.runID != "" {
		props["run_id"] = t.runID
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return
	}
	if err := t.client.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      event,
		Properties: props,
	}); err != nil {
		t.logger.Debug("failed to enqueue event", "event", event, "error", err)
	}
}

func (t *posthogTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// Noop drops every event
type Noop struct{}

func (Noop) Track(string, map[string]interface{}) {}
func (Noop) Close() error { return nil }

// Recorder keeps events in memory; used by tests
type Recorder struct {
	mu     sync.Mutex
	Events []RecordedEvent
}

// RecordedEvent is one tracked event
type RecordedEvent struct {
	Name  string
	Props map[string]interface{}
}

func (r *Recorder) Track(event string, props map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, RecordedEvent{Name: event, Props: props})
}

func (r *Recorder) Close() error { return nil }

// Names returns the recorded event names in order
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.Events))
	for i, e := range r.Events {
		names[i] = e.Name
	}
	return names
}
