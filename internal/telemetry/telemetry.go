// Package telemetry owns the agent's Prometheus registry. One Metrics
// instance is built at startup and threaded through every engine; the
// local API exposes it on /metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncagent"

// Upload failure classes.
const (
	FailureRetryable    = "retryable"
	FailureNonRetryable = "non_retryable"
	FailureOffline      = "offline"
)

// Downstream sync row operations.
const (
	RowInserted    = "inserted"
	RowUpdated     = "updated"
	RowDeactivated = "deactivated"
)

// Metrics bundles every collector the agent registers.
type Metrics struct {
	registry *prometheus.Registry

	ReadingsCollected prometheus.Counter
	ReadingsDropped   prometheus.Counter
	ReadingsPersisted prometheus.Counter
	ReadingsFailed    prometheus.Counter
	ReadErrors        prometheus.Counter

	UploadAttempts   prometheus.Counter
	ReadingsUploaded prometheus.Counter
	UploadFailures   *prometheus.CounterVec

	SyncRows *prometheus.CounterVec

	CycleDuration *prometheus.HistogramVec

	ConnectivityUp  prometheus.Gauge
	UploadQueueSize prometheus.Gauge
	CachedMeters    prometheus.Gauge
}

// New builds a Metrics over its own private registry, pre-registered with
// the standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ReadingsCollected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_collected_total",
			Help:      "Raw readings returned by meter polls.",
		}),
		ReadingsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_dropped_total",
			Help:      "Readings dropped by collection-time validation.",
		}),
		ReadingsPersisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_persisted_total",
			Help:      "Wide rows written to the local store.",
		}),
		ReadingsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_persist_failed_total",
			Help:      "Wide rows lost after exhausting persist retries.",
		}),
		ReadErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bacnet_read_errors_total",
			Help:      "Failed BACnet property reads.",
		}),

		UploadAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Upload batch attempts, including retries.",
		}),
		ReadingsUploaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_uploaded_total",
			Help:      "Readings acknowledged by the client system.",
		}),
		UploadFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_failures_total",
			Help:      "Upload batch failures by class.",
		}, []string{"class"}),

		SyncRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downstream_sync_rows_total",
			Help:      "Rows changed by downstream sync, by operation.",
		}, []string{"op"}),

		CycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of collection, sync and upload cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"component"}),

		ConnectivityUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_connected",
			Help:      "1 while the client system is reachable, else 0.",
		}),
		UploadQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upload_queue_size",
			Help:      "Unsynchronized readings waiting in the local store.",
		}),
		CachedMeters: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_meters",
			Help:      "Active meters in the fleet snapshot.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
