package relay

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports relay counters to Prometheus. Each server instance owns its
// registry so tests stay isolated.
type Metrics struct {
	registry *prometheus.Registry

	tunnelGauge    prometheus.Gauge
	proxyGauge     prometheus.Gauge
	requestTotal   *prometheus.CounterVec
	requestSeconds prometheus.Histogram
	protocolErrors prometheus.Counter
}

// NewMetrics registers relay metrics on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tunnelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_tunnels",
			Help: "Current registered tunnel count.",
		}),
		proxyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_ws_proxy_sessions",
			Help: "Current external WebSocket proxy session count.",
		}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Proxied HTTP requests by status code.",
		}, []string{"status"}),
		requestSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Latency of proxied HTTP requests end to end.",
			Buckets: prometheus.DefBuckets,
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_protocol_errors_total",
			Help: "Malformed envelopes received on tunnel sessions.",
		}),
	}
	m.registry.MustRegister(
		m.tunnelGauge,
		m.proxyGauge,
		m.requestTotal,
		m.requestSeconds,
		m.protocolErrors,
	)
	return m
}

// Handler returns the scrape handler bound to this server's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) tunnelOpened()  { m.tunnelGauge.Inc() }
func (m *Metrics) tunnelClosed()  { m.tunnelGauge.Dec() }
func (m *Metrics) proxyOpened()   { m.proxyGauge.Inc() }
func (m *Metrics) proxyClosed()   { m.proxyGauge.Dec() }
func (m *Metrics) protocolError() { m.protocolErrors.Inc() }

func (m *Metrics) observeRequest(status int, elapsed time.Duration) {
	m.requestTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	m.requestSeconds.Observe(elapsed.Seconds())
}
