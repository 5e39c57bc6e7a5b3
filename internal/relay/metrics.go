package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes relay counters on a private registry so tests can
// instantiate servers without collector name collisions.
type Metrics struct {
	reg *prometheus.Registry

	ChunksRelayed   prometheus.Counter
	ChunksDropped   prometheus.Counter
	EncoderRestarts prometheus.Counter
	ClientsRejected prometheus.Counter
	ClientActive    prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		ChunksRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "capcast_relay_chunks_relayed_total",
			Help: "Chunks piped into the encoder.",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "capcast_relay_chunks_dropped_total",
			Help: "Chunks discarded because no encoder was running.",
		}),
		EncoderRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "capcast_relay_encoder_restarts_total",
			Help: "Encoder restarts triggered by ingest URL changes.",
		}),
		ClientsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "capcast_relay_clients_rejected_total",
			Help: "Capture connections refused while another was active.",
		}),
		ClientActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capcast_relay_client_active",
			Help: "Whether a capture client is connected (0 or 1).",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
