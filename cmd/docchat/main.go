// Command docchat serves the document chat backend: PDF and transcript
// ingestion plus the realtime relay to the OpenAI Realtime API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyohan21/ai-document/internal/config"
	"github.com/cyohan21/ai-document/internal/document"
	"github.com/cyohan21/ai-document/internal/document/postgres"
	"github.com/cyohan21/ai-document/internal/health"
	"github.com/cyohan21/ai-document/internal/observe"
	"github.com/cyohan21/ai-document/internal/relay"
	"github.com/cyohan21/ai-document/internal/server"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "docchat.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// A missing file is not fatal: the server runs on defaults plus the
	// environment, which is how it is usually deployed.
	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docchat: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("docchat starting",
		"version", version,
		"config", configSource(*configPath, fromFile),
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "docchat",
		ServiceVersion: version,
		Registry:       registry,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Documents ─────────────────────────────────────────────────────────────
	store, err := document.NewStore(cfg.Storage.Dir)
	if err != nil {
		slog.Error("failed to open document storage", "dir", cfg.Storage.Dir, "err", err)
		return 1
	}

	var (
		catalog  document.Catalog = document.NewFileCatalog(store)
		checkers []health.Checker
	)
	if cfg.Storage.PostgresDSN != "" {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pg, err := postgres.NewCatalog(pctx, cfg.Storage.PostgresDSN)
		cancel()
		if err != nil {
			slog.Error("failed to connect document catalog", "err", err)
			return 1
		}
		defer pg.Close()
		catalog = pg
		checkers = append(checkers, health.Checker{Name: "catalog", Check: pg.Ping})
	}

	// ── Server ────────────────────────────────────────────────────────────────
	upstream := relay.NewWebSocketDialer(
		relay.WithModel(cfg.Relay.Model),
		relay.WithBaseURL(cfg.Relay.UpstreamURL),
		relay.WithReadLimit(cfg.Relay.ReadLimit),
	)
	srv, err := server.New(cfg, server.Deps{
		Upstream: upstream,
		Store:    store,
		Catalog:  catalog,
		Metrics:  metrics,
		Checkers: checkers,
		Logger:   logger,

		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}),
	})
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if fromFile {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(level, srv, new, config.Diff(old, new))
		}, config.WithEnv(os.Getenv), config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, srv, upstream, cfg.Storage.PostgresDSN != "")

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, or falls back to defaults when it does not exist.
// Environment overrides are applied either way.
func loadConfig(path string) (cfg *config.Config, fromFile bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		fromFile = true
	case errors.Is(err, os.ErrNotExist):
		cfg = config.Default()
	default:
		return nil, false, err
	}
	config.ApplyEnv(cfg, os.Getenv)
	if err := config.Validate(cfg); err != nil {
		return nil, false, err
	}
	return cfg, fromFile, nil
}

func configSource(path string, fromFile bool) string {
	if fromFile {
		return path
	}
	return "(defaults)"
}

// applyReload applies the hot-reloadable part of a config change.
func applyReload(level *slog.LevelVar, srv *server.Server, cfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if d.CORSChanged {
		srv.UpdateCORS(cfg.CORS)
		slog.Info("config reload: cors policy updated")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart", "sections", strings.Join(d.RestartRequired, ", "))
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, srv *server.Server, up *relay.WebSocketDialer, pgCatalog bool) {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            docchat startup summary            ║")
	fmt.Println("╠═══════════════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Upstream", up.URL())
	printRow("Model", up.Model())
	for _, p := range srv.RelayPaths() {
		printRow("Relay", p)
	}
	printRow("Storage", cfg.Storage.Dir)
	if pgCatalog {
		printRow("Catalog", "postgres")
	} else {
		printRow("Catalog", "filesystem")
	}
	if cfg.OpenAI.APIKey != "" {
		printRow("Server key", relay.Redact(cfg.OpenAI.APIKey))
	} else {
		printRow("Server key", "(not configured)")
	}
	printRow("Unlisted CORS", fmt.Sprint(cfg.CORS.AllowUnlisted))
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 27 {
		value = value[:24] + "..."
	}
	fmt.Printf("║  %-15s: %-27s ║\n", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
