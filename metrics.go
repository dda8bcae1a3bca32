package mqttsim

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mirrors the status line on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	// Session counters, fed from the delta between reports
	published    prometheus.Counter
	received     prometheus.Counter
	connected    prometheus.Counter
	disconnected prometheus.Counter
	errored      prometheus.Counter

	clients       prometheus.Gauge
	threads       prometheus.Gauge
	recvMinusSent prometheus.Gauge

	// Scheduler health
	drift *prometheus.GaugeVec

	latency *prometheus.GaugeVec

	last Counters
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		published: f.NewCounter(prometheus.CounterOpts{
			Name: "mqttsim_messages_published_total",
			Help: "Messages handed to the transport by all sessions",
		}),
		received: f.NewCounter(prometheus.CounterOpts{
			Name: "mqttsim_messages_received_total",
			Help: "Messages delivered to all sessions",
		}),
		connected: f.NewCounter(prometheus.CounterOpts{
			Name: "mqttsim_connects_total",
			Help: "Successful connection attempts",
		}),
		disconnected: f.NewCounter(prometheus.CounterOpts{
			Name: "mqttsim_disconnects_total",
			Help: "Connections lost or closed",
		}),
		errored: f.NewCounter(prometheus.CounterOpts{
			Name: "mqttsim_connection_errors_total",
			Help: "Connection errors that triggered a delayed reconnect",
		}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Name: "mqttsim_clients",
			Help: "Simulated sessions across all shards",
		}),
		threads: f.NewGauge(prometheus.GaugeOpts{
			Name: "mqttsim_threads",
			Help: "Shard loops running",
		}),
		recvMinusSent: f.NewGauge(prometheus.GaugeOpts{
			Name: "mqttsim_received_minus_published",
			Help: "Cumulative received minus cumulative published messages",
		}),
		drift: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mqttsim_loop_drift_seconds",
			Help: "Latest heartbeat drift per shard loop",
		}, []string{"shard"}),
		latency: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mqttsim_latency_seconds",
			Help: "Round trip latency of probe messages",
		}, []string{"stat"}),
	}
}

// Observe records one reporting cycle.
func (m *Metrics) Observe(s Stats) {
	delta := s.Total.Sub(m.last)
	m.last = s.Total

	m.published.Add(float64(delta.Published))
	m.received.Add(float64(delta.Received))
	m.connected.Add(float64(delta.Connected))
	m.disconnected.Add(float64(delta.Disconnected))
	m.errored.Add(float64(delta.Errored))

	m.clients.Set(float64(s.Clients))
	m.threads.Set(float64(s.Threads))
	m.recvMinusSent.Set(float64(s.RecvMinusSent))

	for i, d := range s.Drifts {
		m.drift.WithLabelValues(strconv.Itoa(i)).Set(d.Seconds())
	}
	if s.Latency.Valid() {
		m.latency.WithLabelValues("min").Set(s.Latency.Min.Seconds())
		m.latency.WithLabelValues("max").Set(s.Latency.Max.Seconds())
		m.latency.WithLabelValues("avg").Set(s.Latency.Avg.Seconds())
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	return mux
}
