// Package http provides the inbound HTTP transport for mcptap: routing,
// validation, middleware, and metrics exposition.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport is the inbound adapter that connects the proxy engine to HTTP
// clients.
type Transport struct {
	handler *Handler
	server  *http.Server
	addr    string
	logger  *slog.Logger
	metrics *Metrics
	promReg *prometheus.Registry

	shutdownTimeout time.Duration
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithShutdownTimeout bounds graceful shutdown. Default 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *Transport) { t.shutdownTimeout = d }
}

// WithPrometheusRegistry supplies a shared registry so proxy-level
// collectors and HTTP collectors land in the same /metrics exposition.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(t *Transport) { t.promReg = reg }
}

// NewTransport creates the HTTP transport around the route handler.
func NewTransport(handler *Handler, opts ...Option) *Transport {
	t := &Transport{
		handler:         handler,
		addr:            "127.0.0.1:8080",
		logger:          slog.Default(),
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Metrics returns the HTTP metrics once Start has initialized them.
func (t *Transport) Metrics() *Metrics { return t.metrics }

// Start begins accepting connections and blocks until the context is
// cancelled or the listener fails. Cancellation triggers graceful
// shutdown: in-flight exchanges get shutdownTimeout to drain.
func (t *Transport) Start(ctx context.Context) error {
	reg := t.promReg
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.buildHandler(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// buildHandler assembles the mux. Each route is wrapped in the middleware
// chain under a static metrics label; chain order outermost first:
// metrics (full duration), request-id, real-ip, route handler.
func (t *Transport) buildHandler(reg *prometheus.Registry) http.Handler {
	chain := func(route string, h http.Handler) http.Handler {
		h = RealIPMiddleware(h)
		h = RequestIDMiddleware(t.logger)(h)
		h = MetricsMiddleware(t.metrics, route)(h)
		return h
	}

	mux := http.NewServeMux()

	mux.Handle("GET /{$}", chain("/", http.HandlerFunc(t.handler.handleRoot)))
	mux.Handle("GET /status", chain("/status", http.HandlerFunc(t.handler.handleStatus)))
	mux.Handle("GET /health", chain("/health", http.HandlerFunc(t.handler.handleHealth)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("GET /favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	// The proxy path and its aliases share one handler.
	proxy := chain("/{server}/mcp", t.handler.handleProxy(false))
	mux.Handle("POST /{server}/mcp", proxy)
	mux.Handle("POST /s/{server}/mcp", proxy)
	mux.Handle("POST /servers/{server}/mcp", proxy)
	mux.Handle("POST /servers/{server}/mcp-codemode",
		chain("/servers/{server}/mcp-codemode", t.handler.handleProxy(true)))

	// The gateway prefixes are intercepted ahead of the mux: a pattern like
	// /gateway/{rest...} would conflict with POST /{server}/mcp in the
	// ServeMux precedence rules.
	gateway := chain("/gateway", http.HandlerFunc(t.handler.handleGateway))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isGatewayPath(r.URL.Path) {
			gateway.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// isGatewayPath matches /gateway and /g plus anything below them.
func isGatewayPath(path string) bool {
	return path == "/gateway" || path == "/g" ||
		strings.HasPrefix(path, "/gateway/") || strings.HasPrefix(path, "/g/")
}

// shutdown drains in-flight requests within the shutdown timeout.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server stopped")
	return nil
}
