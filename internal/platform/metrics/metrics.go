// Package metrics exposes Prometheus instrumentation for the interop
// engine: MLLP transport counters, router/DLQ gauges, CDS invocation
// timings and the HTTP request middleware. All recording methods are
// nil-safe so instrumentation can be disabled by passing a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "interop"

// Metrics holds every collector the engine records into, backed by a
// private registry.
type Metrics struct {
	registry *prometheus.Registry

	mllpConnectionsActive   prometheus.Gauge
	mllpConnectionsRejected prometheus.Counter
	mllpConnectionsTotal    prometheus.Counter
	mllpMessages            *prometheus.CounterVec

	routerRouted *prometheus.CounterVec
	dlqSize      prometheus.Gauge
	dlqEvicted   prometheus.Counter

	cdsInvocations *prometheus.CounterVec
	cdsDuration    *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds a Metrics instance with its own registry, including the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		mllpConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mllp",
			Name:      "connections_active",
			Help:      "Currently open MLLP connections.",
		}),
		mllpConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mllp",
			Name:      "connections_rejected_total",
			Help:      "Connections closed immediately because the connection cap was reached.",
		}),
		mllpConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mllp",
			Name:      "connections_total",
			Help:      "Connections accepted since start.",
		}),
		mllpMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mllp",
			Name:      "messages_total",
			Help:      "Decoded MLLP frames by parse outcome.",
		}, []string{"status"}),

		routerRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Routed messages by acknowledgment code.",
		}, []string{"ack_code"}),
		dlqSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dlq_size",
			Help:      "Entries currently held in the dead-letter queue.",
		}),
		dlqEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dlq_evicted_total",
			Help:      "Oldest entries evicted from the full dead-letter queue.",
		}),

		cdsInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cds",
			Name:      "invocations_total",
			Help:      "CDS handler invocations by service and outcome.",
		}, []string{"service", "outcome"}),
		cdsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cds",
			Name:      "invocation_seconds",
			Help:      "CDS handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ---------------------------------------------------------------------------
// MLLP transport
// ---------------------------------------------------------------------------

// ConnOpened records an accepted connection.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.mllpConnectionsTotal.Inc()
	m.mllpConnectionsActive.Inc()
}

// ConnClosed records a closed connection.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.mllpConnectionsActive.Dec()
}

// ConnRejected records a connection closed for exceeding the cap.
func (m *Metrics) ConnRejected() {
	if m == nil {
		return
	}
	m.mllpConnectionsRejected.Inc()
}

// MLLPMessage records a decoded frame with its parse outcome
// ("accepted" or "parse_error").
func (m *Metrics) MLLPMessage(status string) {
	if m == nil {
		return
	}
	m.mllpMessages.WithLabelValues(status).Inc()
}

// ---------------------------------------------------------------------------
// Router
// ---------------------------------------------------------------------------

// RouterRouted records one routed message and the MSA-1 code returned.
func (m *Metrics) RouterRouted(ackCode string) {
	if m == nil {
		return
	}
	m.routerRouted.WithLabelValues(ackCode).Inc()
}

// SetDLQSize publishes the current dead-letter queue depth.
func (m *Metrics) SetDLQSize(n int) {
	if m == nil {
		return
	}
	m.dlqSize.Set(float64(n))
}

// DLQEvicted records an eviction caused by the size bound.
func (m *Metrics) DLQEvicted() {
	if m == nil {
		return
	}
	m.dlqEvicted.Inc()
}

// ---------------------------------------------------------------------------
// CDS engine
// ---------------------------------------------------------------------------

// CDSInvocation records one handler invocation with its outcome
// ("ok", "error" or "timeout") and duration.
func (m *Metrics) CDSInvocation(service, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cdsInvocations.WithLabelValues(service, outcome).Inc()
	m.cdsDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// ---------------------------------------------------------------------------
// HTTP surface
// ---------------------------------------------------------------------------

// HTTPMiddleware returns an echo middleware that counts and times every
// request by route template. A nil receiver yields a pass-through.
func (m *Metrics) HTTPMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler returns the Prometheus exposition endpoint for the private
// registry.
func (m *Metrics) Handler() echo.HandlerFunc {
	if m == nil {
		return func(c echo.Context) error {
			return c.NoContent(http.StatusNotFound)
		}
	}
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}
