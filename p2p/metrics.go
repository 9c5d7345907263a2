package p2p

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	connections prometheus.Gauge
	handshake   *prometheus.CounterVec
	requests    *prometheus.CounterVec
	dials       prometheus.Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			connections: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lumen_p2p_connections",
				Help: "Currently established connections, inbound and outbound.",
			}),
			handshake: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lumen_p2p_handshakes_total",
				Help: "Total handshake outcomes.",
			}, []string{"result"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lumen_p2p_blocks_requests_total",
				Help: "Outbound block-sync request outcomes.",
			}, []string{"result"}),
			dials: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lumen_p2p_dials_total",
				Help: "Outbound connection attempts started.",
			}),
		}
		prometheus.MustRegister(nm.connections, nm.handshake, nm.requests, nm.dials)
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshake.WithLabelValues(result).Inc()
}

func (m *networkMetrics) recordRequest(result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
}

func (m *networkMetrics) recordDial() {
	if m == nil {
		return
	}
	m.dials.Inc()
}

func (m *networkMetrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.handshake.WithLabelValues("ok").Inc()
}

func (m *networkMetrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
