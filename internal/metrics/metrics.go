// Package metrics exposes the broker's Prometheus instrumentation as one
// registry-backed struct threaded through the components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// MetricFamily aliases the exposition type so callers can read metrics
// back without importing the client model themselves.
type MetricFamily = dto.MetricFamily

// Metrics holds every instrument the broker updates.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	FramesTotal       *prometheus.CounterVec
	FanoutSize        prometheus.Histogram
	MessagesCached    prometheus.Gauge
	RetriesTotal      prometheus.Counter
	DroppedTotal      *prometheus.CounterVec
	SendsDropped      prometheus.Counter
	FileChunksTotal   prometheus.Counter
	FileBytesTotal    prometheus.Counter
	StorageErrors     *prometheus.CounterVec
	NotifierPushes    *prometheus.CounterVec
	CleanupRemoved    *prometheus.CounterVec
}

// New builds and registers the broker metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fastport_connections_active",
			Help: "Currently open client connections",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastport_connections_total",
			Help: "Client connections accepted since start",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastport_frames_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		FanoutSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fastport_publish_fanout_size",
			Help:    "Subscribers reached per publish",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		MessagesCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fastport_messages_cached",
			Help: "Messages currently cached awaiting acknowledgement",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastport_message_retries_total",
			Help: "Redelivery attempts",
		}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastport_messages_dropped_total",
			Help: "Cached messages removed, by terminal reason",
		}, []string{"reason"}),
		SendsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastport_sends_dropped_total",
			Help: "Outbound frames dropped because a send queue was full",
		}),
		FileChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastport_file_chunks_total",
			Help: "Binary file chunks relayed",
		}),
		FileBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastport_file_bytes_total",
			Help: "Binary file bytes relayed",
		}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastport_storage_errors_total",
			Help: "Storage failures by operation",
		}, []string{"op"}),
		NotifierPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastport_notifier_pushes_total",
			Help: "Offline push attempts by result",
		}, []string{"result"}),
		CleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastport_cleanup_removed_total",
			Help: "Rows removed by the expiry sweeper, by kind",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.FramesTotal,
		m.FanoutSize,
		m.MessagesCached,
		m.RetriesTotal,
		m.DroppedTotal,
		m.SendsDropped,
		m.FileChunksTotal,
		m.FileBytesTotal,
		m.StorageErrors,
		m.NotifierPushes,
		m.CleanupRemoved,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the raw families; tests read counters back through it.
func (m *Metrics) Gather() ([]*MetricFamily, error) {
	return m.registry.Gather()
}
