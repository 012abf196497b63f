package tunnel

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the C9 Prometheus surface: stream/byte/error counters exposed
// via the process's /metrics endpoint, modeled on the corpus's
// h3ws2h1ws-proxy metric set (streams, bytes by direction, errors by
// stage/reason).
type Metrics struct {
	streamsOpened prometheus.Counter
	streamsClosed *prometheus.CounterVec
	activeStreams prometheus.Gauge
	bytesIn       prometheus.Counter
	bytesOut      prometheus.Counter
	errorsEmitted *prometheus.CounterVec
}

// NewMetrics constructs and registers the tunnel's metric set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		streamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_streams_opened_total",
			Help: "Streams admitted to the registry, by either REQUEST or WS_UPGRADE.",
		}),
		streamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_streams_closed_total",
			Help: "Streams removed from the registry, labeled by close reason.",
		}, []string{"reason"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_active_streams",
			Help: "Streams currently admitted to the registry.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_bytes_in_total",
			Help: "Bytes received from the remote control plane and written to upstream request bodies.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_bytes_out_total",
			Help: "Bytes read from local upstreams and emitted as outbound DATA frames.",
		}),
		errorsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_errors_emitted_total",
			Help: "Terminal ERROR frames emitted, labeled by status code.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.streamsOpened, m.streamsClosed, m.activeStreams, m.bytesIn, m.bytesOut, m.errorsEmitted)
	return m
}

// StreamOpened records a newly admitted stream.
func (m *Metrics) StreamOpened() {
	m.streamsOpened.Inc()
	m.activeStreams.Inc()
}

// StreamClosed records a stream leaving the registry for the given reason.
func (m *Metrics) StreamClosed(reason string) {
	m.streamsClosed.WithLabelValues(reason).Inc()
	m.activeStreams.Dec()
}

// BytesIn records inbound DATA payload bytes.
func (m *Metrics) BytesIn(n int64) {
	m.bytesIn.Add(float64(n))
}

// BytesOut records outbound DATA payload bytes.
func (m *Metrics) BytesOut(n int64) {
	m.bytesOut.Add(float64(n))
}

// ErrorEmitted records a terminal ERROR frame by status code.
func (m *Metrics) ErrorEmitted(statusCode int) {
	m.errorsEmitted.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}
