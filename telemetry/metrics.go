// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived     prometheus.Counter
	MessagesDropped      prometheus.Counter
	MessagesAdmitted     prometheus.Counter
	ClassifiedEvents     prometheus.Counter
	ClassifiedNonEvents  prometheus.Counter
	ClassifyFailed       prometheus.Counter
	ExtractionsSucceeded prometheus.Counter
	ExtractionsFailed    prometheus.Counter
	EventsStored         prometheus.Counter
	DuplicateRecords     prometheus.Counter
	Reconnects           prometheus.Counter

	// Histograms (seconds)
	ClassifyDuration prometheus.Observer
	ExtractDuration  prometheus.Observer

	// Gauges
	ConnectionStateGauge prometheus.Gauge // 0=connecting 1=connected 2=retryable 3=terminal
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "miner_messages_received_total", Help: "Raw envelopes received from the transport"})
		MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "miner_messages_dropped_total", Help: "Messages dropped before storage (parse errors, filtered, failed calls)"})
		MessagesAdmitted = promauto.NewCounter(prometheus.CounterOpts{Name: "miner_messages_admitted_total", Help: "Messages admitted by the group filter"})
		ClassifiedEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "miner_classified_events_total", Help: "Messages classified as describing an event"})
		ClassifiedNonEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "miner_classified_non_events_total", Help: "Messages classified as not describing an event"})
		ClassifyFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "miner_classify_failed_total", Help: "Classification calls that failed terminally"})
		ExtractionsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "miner_extractions_succeeded_total", Help: "Successful structured extractions"})
		ExtractionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "miner_extractions_failed_total", Help: "Extraction calls that failed terminally"})
		EventsStored = promauto.NewCounter(prometheus.CounterOpts{Name: "miner_events_stored_total", Help: "Events persisted to the store"})
		DuplicateRecords = promauto.NewCounter(prometheus.CounterOpts{Name: "miner_duplicate_records_total", Help: "Save attempts resolved as duplicates by a unique key"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "miner_reconnects_total", Help: "Transport reconnect attempts"})
		ClassifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "miner_classify_duration_seconds", Help: "Classification call duration seconds", Buckets: prometheus.DefBuckets})
		ExtractDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "miner_extract_duration_seconds", Help: "Extraction call duration seconds", Buckets: prometheus.DefBuckets})
		ConnectionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "miner_connection_state", Help: "Connection state: 0=connecting 1=connected 2=disconnected-retryable 3=disconnected-terminal"})
	})
}

// SetConnectionState records the numeric connection state.
func SetConnectionState(n int) {
	if ConnectionStateGauge != nil {
		ConnectionStateGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
