package cmd

import (
	"context"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mcptap/mcptap/internal/adapter/inbound/http"
	capturestore "github.com/mcptap/mcptap/internal/adapter/outbound/capture"
	registrystore "github.com/mcptap/mcptap/internal/adapter/outbound/registry"
	"github.com/mcptap/mcptap/internal/config"
	"github.com/mcptap/mcptap/internal/domain/event"
	"github.com/mcptap/mcptap/internal/domain/session"
	"github.com/mcptap/mcptap/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy server",
	Long: `Start the mcptap proxy server.

Registered upstream servers are read from <data.root>/registry.json;
use the gateway's add_server tool (or edit the file) to register them.
Captures land under <data.root>/<server>/ as JSON Lines files.

Examples:
  # Start with config file settings
  mcptap start

  # Start with a specific config file
  mcptap --config /path/to/mcptap.yaml start`,
	RunE: runStart,
	// Errors are printed by Execute; suppress cobra's usage dump on
	// runtime failures.
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := buildLogger(cfg)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("mcptap stopped")
	return nil
}

// run wires all components together and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	bus := event.NewBus(logger)

	regStore := registrystore.NewFileStore(cfg.Data.Root, logger)
	registry, err := service.NewRegistryService(ctx, regStore, bus, logger)
	if err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}

	captures, err := capturestore.NewFileStore(capturestore.Config{
		Root:      cfg.Data.Root,
		CacheSize: cfg.Data.CaptureCacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize capture store: %w", err)
	}
	defer func() { _ = captures.Close() }()

	sessions := session.NewTable()

	promReg := prometheus.NewRegistry()
	proxyMetrics := service.NewProxyMetrics(promReg)

	upstreamClient := &stdhttp.Client{
		Transport: &stdhttp.Transport{
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	codeMode := service.NewCodeModeService(registry,
		&stdhttp.Client{Timeout: cfg.ExchangeTimeout()},
		cfg.CodeModeTimeout(), logger)

	proxy := service.NewProxyService(registry, captures, sessions, bus, logger,
		service.WithHTTPClient(upstreamClient),
		service.WithExchangeTimeout(cfg.ExchangeTimeout()),
		service.WithProxyMetrics(proxyMetrics),
		service.WithCodeMode(codeMode),
	)

	gateway := service.NewGatewayService(registry, captures, proxy, Version, logger)

	health := service.NewHealthService(registry,
		&stdhttp.Client{Timeout: 10 * time.Second},
		cfg.HealthInterval(), logger)
	health.Start(ctx)
	defer health.Stop()

	// Log-entry announcements for operators tailing the process output.
	busSub := bus.On(func(a event.Action) {
		if a.Type != event.ActionLogAdded {
			return
		}
		logger.Debug("exchange event",
			"server", a.Entry.ServerName,
			"session", a.Entry.SessionID,
			"method", a.Entry.Method,
			"kind", a.Entry.Kind,
			"status", a.Entry.HTTPStatus,
			"duration_ms", a.Entry.DurationMs,
		)
	})
	defer bus.Off(busSub)

	handler := http.NewHandler(proxy, gateway, registry, Version)
	transport := http.NewTransport(handler,
		http.WithAddr(cfg.Server.Addr),
		http.WithLogger(logger),
		http.WithShutdownTimeout(cfg.ShutdownTimeout()),
		http.WithPrometheusRegistry(promReg),
	)

	logger.Info("mcptap starting",
		"addr", cfg.Server.Addr,
		"data_root", cfg.Data.Root,
		"servers", registry.Count(),
	)
	return transport.Start(ctx)
}

// buildLogger constructs the process logger from config.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Server.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
