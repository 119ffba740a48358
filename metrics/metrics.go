// Package metrics exposes the optional Prometheus collectors tracking
// queue depth, running tasks, sync duration, and action counts. It is
// wired into daemon's HTTP mux only when enabled; nothing else in
// bucketmirror depends on it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bucketmirror/bucketmirror/action"
)

// Collectors groups the gauges and counters the daemon updates as it runs.
type Collectors struct {
	QueueRunning prometheus.Gauge
	QueueDepth   prometheus.Gauge
	SyncDuration prometheus.Histogram
	ActionsTotal *prometheus.CounterVec
}

// New registers the collectors against a dedicated registry, so that a
// caller who never enables metrics never touches the global default
// registry.
func New() (*Collectors, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collectors{
		QueueRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bucketmirror_queue_running",
			Help: "Number of partition keys currently running a queued task.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bucketmirror_queue_depth",
			Help: "Number of queued-but-not-started items across all partition keys.",
		}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bucketmirror_sync_duration_seconds",
			Help:    "Duration of a full list-and-compare reconciliation pass.",
			Buckets: prometheus.DefBuckets,
		}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketmirror_actions_total",
			Help: "FileAction count by kind and source.",
		}, []string{"kind", "source"}),
	}
	return c, reg
}

// ObserveAction increments the actions counter for an action; daemon
// calls it when the action is submitted to the queue, not when it
// completes.
func (c *Collectors) ObserveAction(a action.FileAction) {
	if c == nil {
		return
	}
	c.ActionsTotal.WithLabelValues(a.Kind.String(), string(a.Source)).Inc()
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
