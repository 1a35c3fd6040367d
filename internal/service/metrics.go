package service

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProxyMetrics holds the Prometheus collectors for the proxy engine.
type ProxyMetrics struct {
	Exchanges       *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
	SSEEvents       prometheus.Counter
	CaptureFailures prometheus.Counter
	CodeExecutions  *prometheus.CounterVec
}

// NewProxyMetrics creates and registers the proxy collectors.
func NewProxyMetrics(reg prometheus.Registerer) *ProxyMetrics {
	m := &ProxyMetrics{
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcptap_exchanges_total",
			Help: "Proxied JSON-RPC exchanges by server, method, and upstream status.",
		}, []string{"server", "method", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcptap_exchange_duration_seconds",
			Help:    "Exchange duration from request receipt to response completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server", "method"}),
		SSEEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcptap_sse_events_total",
			Help: "SSE events framed from upstream streams.",
		}),
		CaptureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcptap_capture_failures_total",
			Help: "Capture store append failures (exchanges continue regardless).",
		}),
		CodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcptap_code_executions_total",
			Help: "Code-mode script executions by server and outcome.",
		}, []string{"server", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Exchanges, m.Duration, m.SSEEvents, m.CaptureFailures, m.CodeExecutions)
	}
	return m
}

// ObserveExchange records one completed exchange.
func (m *ProxyMetrics) ObserveExchange(server, method string, status int, d time.Duration) {
	m.Exchanges.WithLabelValues(server, method, strconv.Itoa(status)).Inc()
	m.Duration.WithLabelValues(server, method).Observe(d.Seconds())
}

// ObserveCodeExecution records a code-mode run outcome ("ok" or "error").
func (m *ProxyMetrics) ObserveCodeExecution(server string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.CodeExecutions.WithLabelValues(server, outcome).Inc()
}
