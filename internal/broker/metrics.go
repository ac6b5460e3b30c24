package broker

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks broker traffic. The raw counters are atomics so the
// hot path (hooks, channel sends) never touches a lock; the Prometheus
// collectors mirror them for scraping.
type Metrics struct {
	messagesForwarded atomic.Uint64
	messagesSent      atomic.Uint64
	messagesDropped   atomic.Uint64

	forwarded        prometheus.Counter
	sent             prometheus.Counter
	dropped          prometheus.Counter
	ConnectedClients prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide broker metrics. Prometheus
// collectors register once; repeated calls share the same instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			forwarded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "forest_mqtt_messages_forwarded_total",
				Help: "Messages forwarded from the broker to the processor",
			}),
			sent: promauto.NewCounter(prometheus.CounterOpts{
				Name: "forest_mqtt_messages_sent_total",
				Help: "Messages published through the outbound link",
			}),
			dropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "forest_mqtt_messages_dropped_total",
				Help: "Inbound messages dropped because the channel was full",
			}),
			ConnectedClients: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "forest_mqtt_connected_clients",
				Help: "Currently connected MQTT clients",
			}),
		}
	})
	return metricsInstance
}

func (m *Metrics) IncForwarded() {
	m.messagesForwarded.Add(1)
	m.forwarded.Inc()
}

func (m *Metrics) IncSent() {
	m.messagesSent.Add(1)
	m.sent.Inc()
}

func (m *Metrics) IncDropped() {
	m.messagesDropped.Add(1)
	m.dropped.Inc()
}

func (m *Metrics) MessagesForwarded() uint64 { return m.messagesForwarded.Load() }
func (m *Metrics) MessagesSent() uint64      { return m.messagesSent.Load() }
func (m *Metrics) MessagesDropped() uint64   { return m.messagesDropped.Load() }
