package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcptap/mcptap/internal/domain/registry"
	"github.com/mcptap/mcptap/pkg/mcp"
)

// HealthService periodically probes every registered upstream with a
// JSON-RPC ping and records the result on the server record. Probe results
// flow through the registry service, so they are persisted and announced
// like any other mutation.
type HealthService struct {
	registry *RegistryService
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHealthService creates the checker. interval <= 0 disables it.
func NewHealthService(reg *RegistryService, client *http.Client, interval time.Duration, logger *slog.Logger) *HealthService {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		registry: reg,
		client:   client,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop. It returns immediately; call Stop to shut
// the loop down. A non-positive interval disables probing.
func (h *HealthService) Start(ctx context.Context) {
	if h.interval <= 0 {
		close(h.done)
		return
	}
	go h.loop(ctx)
}

// Stop terminates the probe loop and waits for it to exit.
func (h *HealthService) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *HealthService) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.probeAll(ctx)
		}
	}
}

// probeAll checks every server concurrently and records the outcomes.
func (h *HealthService) probeAll(ctx context.Context) {
	servers := h.registry.List()
	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *registry.Server) {
			defer wg.Done()
			state := h.probe(ctx, srv)
			if err := h.registry.UpdateHealth(ctx, srv.Name, state, time.Now().UTC()); err != nil {
				h.logger.Error("health update failed", "server", srv.Name, "error", err)
			}
		}(srv)
	}
	wg.Wait()
}

// probe sends one JSON-RPC ping; any answer below 500 counts as up.
// Upstreams that reject ping are still up: they answered.
func (h *HealthService) probe(ctx context.Context, srv *registry.Server) registry.HealthState {
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":"health-%d","method":%q}`, time.Now().UnixNano(), mcp.MethodPing)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, strings.NewReader(body))
	if err != nil {
		return registry.HealthDown
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range srv.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Debug("health probe failed", "server", srv.Name, "error", err)
		return registry.HealthDown
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 500 {
		return registry.HealthUp
	}
	return registry.HealthDown
}
