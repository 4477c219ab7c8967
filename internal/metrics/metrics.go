package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the gateway's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveConnections prometheus.Gauge
	NegotiatedTotal   *prometheus.CounterVec
	FramesTotal       *prometheus.CounterVec
	AuthDecisions     *prometheus.CounterVec
	BackendErrors     *prometheus.CounterVec
}

// NewCollector creates and registers the gateway metric set.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trac_gateway_requests_total",
			Help: "Requests handled, by route, protocol class and status.",
		}, []string{"route", "protocol", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trac_gateway_request_duration_seconds",
			Help:    "Request duration from header receipt to response completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trac_gateway_active_connections",
			Help: "Currently open client connections.",
		}),
		NegotiatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trac_gateway_negotiated_total",
			Help: "Connections by negotiated protocol.",
		}, []string{"protocol"}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trac_gateway_lpm_frames_total",
			Help: "LPM frames moved by the WebSocket RPC engine.",
		}, []string{"direction", "kind"}),
		AuthDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trac_gateway_auth_decisions_total",
			Help: "Auth middleware outcomes.",
		}, []string{"decision"}),
		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trac_gateway_backend_errors_total",
			Help: "Backend failures by route and kind.",
		}, []string{"route", "kind"}),
	}

	reg.MustRegister(
		c.RequestsTotal, c.RequestDuration, c.ActiveConnections,
		c.NegotiatedTotal, c.FramesTotal, c.AuthDecisions, c.BackendErrors,
	)

	return c
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed request.
func (c *Collector) ObserveRequest(route, protocol string, status int, d time.Duration) {
	c.RequestsTotal.WithLabelValues(route, protocol, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// LPMFrame records one LPM frame relayed by the WebSocket RPC engine.
func (c *Collector) LPMFrame(direction, kind string) {
	c.FramesTotal.WithLabelValues(direction, kind).Inc()
}

// AuthDecision records one auth middleware outcome.
func (c *Collector) AuthDecision(decision string) {
	c.AuthDecisions.WithLabelValues(decision).Inc()
}

// Negotiated records one connection's detected protocol.
func (c *Collector) Negotiated(protocol string) {
	c.NegotiatedTotal.WithLabelValues(protocol).Inc()
}

// BackendError records one backend failure.
func (c *Collector) BackendError(route, kind string) {
	c.BackendErrors.WithLabelValues(route, kind).Inc()
}
