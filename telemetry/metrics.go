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
	SyncRuns             *prometheus.CounterVec // labeled by outcome: success|failed|skipped
	ClipsSynced          prometheus.Counter
	WebhookNotifications *prometheus.CounterVec // labeled by event type
	SignatureFailures    prometheus.Counter
	TokenRefreshes       *prometheus.CounterVec // labeled by kind: app|user
	SubscriptionsCreated prometheus.Counter

	// Histograms (seconds)
	SyncDuration prometheus.Observer

	// Gauges
	ConnectedBroadcasters prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clip_sync_runs_total", Help: "Number of clip sync runs by outcome"}, []string{"outcome"})
		ClipsSynced = promauto.NewCounter(prometheus.CounterOpts{Name: "clips_synced_total", Help: "Number of clips upserted by sync runs"})
		WebhookNotifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eventsub_notifications_total", Help: "Number of verified EventSub notifications by type"}, []string{"type"})
		SignatureFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_signature_failures_total", Help: "Number of webhook deliveries rejected for bad signatures"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "token_refreshes_total", Help: "Number of token refreshes by kind"}, []string{"kind"})
		SubscriptionsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_subscriptions_created_total", Help: "Number of EventSub subscriptions created"})
		SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "clip_sync_duration_seconds", Help: "Clip sync run duration seconds", Buckets: prometheus.DefBuckets})
		ConnectedBroadcasters = promauto.NewGauge(prometheus.GaugeOpts{Name: "connected_broadcasters", Help: "Number of broadcasters with stored credentials"})
	})
}

// RecordSyncRun counts one run outcome, tolerating calls before Init.
func RecordSyncRun(outcome string) {
	if SyncRuns != nil {
		SyncRuns.WithLabelValues(outcome).Inc()
	}
}

// RecordClipsSynced adds n to the synced clip counter.
func RecordClipsSynced(n int) {
	if ClipsSynced != nil {
		ClipsSynced.Add(float64(n))
	}
}

// SetConnectedBroadcasters records the current connected broadcaster count.
func SetConnectedBroadcasters(n int) {
	if ConnectedBroadcasters != nil {
		ConnectedBroadcasters.Set(float64(n))
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
