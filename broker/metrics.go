package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the default BytesMetrics implementation, grounded on
// stat.go's registration pattern: a handful of counters built per
// instance by NewMetrics, added to a registry with Register and served
// over /metrics by whatever http.ServeMux the
// embedder wires up (spec scope stops at byte counters; it never serves
// them itself).
type Metrics struct {
	BytesReceivedTotal  prometheus.Counter
	BytesSentTotal      prometheus.Counter
	PacketsReceivedTotal *prometheus.CounterVec
	PacketsSentTotal     *prometheus.CounterVec
}

// NewMetrics builds a fresh, unregistered Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		BytesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_broker_bytes_received_total",
			Help: "Total bytes read from client connections.",
		}),
		BytesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_broker_bytes_sent_total",
			Help: "Total bytes written to client connections.",
		}),
		PacketsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_broker_packets_received_total",
			Help: "Total packets received, by control packet kind.",
		}, []string{"kind"}),
		PacketsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_broker_packets_sent_total",
			Help: "Total packets sent, by control packet kind.",
		}, []string{"kind"}),
	}
}

// Register adds every counter to reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.BytesReceivedTotal, m.BytesSentTotal, m.PacketsReceivedTotal, m.PacketsSentTotal)
}

func (m *Metrics) BytesReceived(_ string, n int) { m.BytesReceivedTotal.Add(float64(n)) }
func (m *Metrics) BytesSent(_ string, n int)     { m.BytesSentTotal.Add(float64(n)) }

func (m *Metrics) PacketReceived(_ string, kind byte) {
	m.PacketsReceivedTotal.WithLabelValues(kindLabel(kind)).Inc()
}

func (m *Metrics) PacketSent(_ string, kind byte) {
	m.PacketsSentTotal.WithLabelValues(kindLabel(kind)).Inc()
}

func kindLabel(kind byte) string {
	const hex = "0123456789ABCDEF"
	if kind > 0xF {
		return "?"
	}
	return string([]byte{'0', 'x', hex[kind]})
}
