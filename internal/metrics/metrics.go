// Package metrics exposes process-level Prometheus instrumentation at
// /metrics: ingestion throughput, rejected events, retention prune
// counts, alert fire counts, and a fan-out connection gauge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/gauge this service exposes, each
// registered against its own prometheus.Registry so tests can build
// disposable instances without colliding with the default registerer.
type Registry struct {
	reg *prometheus.Registry

	EventsAccepted  prometheus.Counter
	EventsRejected  prometheus.Counter
	IngestBatches   prometheus.Counter
	RetentionPruned *prometheus.CounterVec
	AlertsFired     prometheus.Counter
	FanoutConnections prometheus.Gauge
	IngestDuration  prometheus.Histogram
}

// New constructs and registers a fresh Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		EventsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hiveboard_events_accepted_total",
			Help: "Total number of events accepted by the ingestion pipeline.",
		}),
		EventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hiveboard_events_rejected_total",
			Help: "Total number of events rejected during validation.",
		}),
		IngestBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hiveboard_ingest_batches_total",
			Help: "Total number of /v1/ingest batches processed.",
		}),
		RetentionPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hiveboard_retention_pruned_total",
			Help: "Total number of events pruned by the retention engine, labeled by reason.",
		}, []string{"reason"}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hiveboard_alerts_fired_total",
			Help: "Total number of alert rule firings.",
		}),
		FanoutConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hiveboard_fanout_connections",
			Help: "Current number of live WebSocket fan-out connections.",
		}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hiveboard_ingest_duration_seconds",
			Help:    "Latency of the ten-step ingestion pipeline per batch.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.EventsAccepted, r.EventsRejected, r.IngestBatches,
		r.RetentionPruned, r.AlertsFired, r.FanoutConnections, r.IngestDuration,
	)
	return r
}

// Handler returns the http.Handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
