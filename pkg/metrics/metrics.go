// Package metrics exports server counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry prometheus.Registerer

	PacketsReceived        *prometheus.CounterVec
	PacketsDropped         *prometheus.CounterVec
	BytesReceived          prometheus.Counter
	BytesSent              prometheus.Counter
	ConnectionlessRequests *prometheus.CounterVec
	ClientDrops            *prometheus.CounterVec
	ReliableCommands       *prometheus.CounterVec
	Clients                *prometheus.GaugeVec
	SnapshotBytes          *prometheus.HistogramVec
	FrameSeconds           prometheus.Histogram
}

// New registers the server metrics with reg. A nil reg uses a private
// registry, which keeps repeated construction in tests from colliding.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapserver",
			Name:      "packets_received_total",
			Help:      "Datagrams received, by kind.",
		}, []string{"kind"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapserver",
			Name:      "packets_dropped_total",
			Help:      "Datagrams dropped without effect, by reason.",
		}, []string{"reason"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "snapserver",
			Name:      "bytes_received_total",
			Help:      "Bytes received over all transports.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "snapserver",
			Name:      "bytes_sent_total",
			Help:      "Bytes sent over all transports.",
		}),
		ConnectionlessRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapserver",
			Name:      "connectionless_requests_total",
			Help:      "Connectionless requests, by command and outcome.",
		}, []string{"command", "outcome"}),
		ClientDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapserver",
			Name:      "client_drops_total",
			Help:      "Clients dropped, by cause.",
		}, []string{"cause"}),
		ReliableCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapserver",
			Name:      "client_commands_total",
			Help:      "Inbound reliable client commands, by verdict.",
		}, []string{"verdict"}),
		Clients: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "snapserver",
			Name:      "clients",
			Help:      "Client slots, by state.",
		}, []string{"state"}),
		SnapshotBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snapserver",
			Name:      "snapshot_bytes",
			Help:      "Encoded size of snapshot messages, by encoding.",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 11),
		}, []string{"encoding"}),
		FrameSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "snapserver",
			Name:      "frame_seconds",
			Help:      "Wall time spent in one server frame.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}
}
