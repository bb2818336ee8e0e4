// Package server assembles the docchat HTTP surface: the realtime relay, the
// document and transcript APIs, credential checks, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyohan21/ai-document/internal/config"
	"github.com/cyohan21/ai-document/internal/document"
	"github.com/cyohan21/ai-document/internal/health"
	"github.com/cyohan21/ai-document/internal/keycheck"
	"github.com/cyohan21/ai-document/internal/observe"
	"github.com/cyohan21/ai-document/internal/relay"
	"github.com/cyohan21/ai-document/internal/resilience"
	"github.com/cyohan21/ai-document/internal/youtube"
)

// Banner is the body of GET /.
const Banner = "PDF Document Server - API Ready"

const (
	readHeaderTimeout = 10 * time.Second
	maxLogBytes       = 64 << 10
)

// Deps are the collaborators a [Server] is built from. Upstream and Store are
// required; everything else has a default.
type Deps struct {
	Upstream  relay.Upstream
	Store     *document.Store
	Extractor document.Extractor
	Catalog   document.Catalog
	Fetcher   youtube.Fetcher

	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Defaults to the Prometheus default
	// registry, which the OTel Prometheus exporter writes to.
	MetricsHandler http.Handler

	// Checkers are evaluated by /readyz in addition to storage writability.
	Checkers []health.Checker

	Logger *slog.Logger
}

// Server is the docchat HTTP server.
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics
	mux     *http.ServeMux
	cors    *CORS
	relay   *relay.Dispatcher
}

// New wires every route described by cfg.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Upstream == nil {
		return nil, errors.New("server: upstream is required")
	}
	if deps.Store == nil {
		return nil, errors.New("server: document store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Extractor == nil {
		deps.Extractor = document.PDFExtractor{}
	}
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = promhttp.Handler()
	}
	if deps.Fetcher == nil {
		b := cfg.YouTube.Breaker
		deps.Fetcher = youtube.NewKKDaiFetcher(
			youtube.WithMaxDuration(cfg.YouTube.MaxDuration),
			youtube.WithMetrics(deps.Metrics),
			youtube.WithBreaker(youtube.NewBreaker(resilience.CircuitBreakerConfig{
				MaxFailures:   b.MaxFailures,
				ResetTimeout:  b.ResetTimeout,
				HalfOpenMax:   b.HalfOpenMax,
				Logger:        deps.Logger,
				OnStateChange: observe.BreakerHook(deps.Metrics),
			})),
		)
	}

	s := &Server{
		cfg:     cfg,
		log:     deps.Logger,
		metrics: deps.Metrics,
		mux:     http.NewServeMux(),
		cors:    NewCORS(cfg.CORS),
		relay: relay.NewDispatcher(deps.Upstream, relay.DispatcherConfig{
			PathPrefix:         cfg.Relay.PathPrefix,
			OriginPatterns:     cfg.Relay.AllowedOrigins,
			InsecureSkipVerify: cfg.CORS.AllowUnlisted,
			ReadLimit:          cfg.Relay.ReadLimit,
			DialTimeout:        cfg.Relay.DialTimeout,
			DebugErrors:        cfg.Relay.DebugErrors,
			Metrics:            deps.Metrics,
		}),
	}

	// ── Relay ──────────────────────────────────────────────────────────────
	// The whole prefix belongs to the dispatcher so that unknown paths below
	// it are rejected the same way as malformed upgrades. The more specific
	// keycheck routes below take precedence.
	s.mux.Handle(relayMount(cfg.Relay.PathPrefix), s.relay)

	keycheck.New(keycheck.Config{
		BaseURL:   cfg.OpenAI.BaseURL,
		Upstream:  deps.Upstream,
		ServerKey: cfg.OpenAI.APIKey,
		Model:     cfg.Relay.Model,
		Metrics:   deps.Metrics,
	}).Register(s.mux)

	// ── Documents ──────────────────────────────────────────────────────────
	document.NewHandler(deps.Extractor, deps.Store, deps.Catalog,
		document.WithMaxUploadBytes(cfg.Storage.MaxUploadBytes),
		document.WithMetrics(deps.Metrics),
	).Register(s.mux)
	youtube.NewHandler(deps.Fetcher).Register(s.mux)

	// ── Operations ─────────────────────────────────────────────────────────
	checkers := append([]health.Checker{health.DirWritable("storage", deps.Store.PDFDir())}, deps.Checkers...)
	health.New(checkers...).Register(s.mux)
	s.mux.Handle("GET /metrics", deps.MetricsHandler)
	s.mux.HandleFunc("POST /api/log", s.handleFrontendLog)
	s.mux.HandleFunc("GET /{$}", s.handleBanner)

	return s, nil
}

func relayMount(prefix string) string {
	if prefix == "" {
		prefix = relay.DefaultPathPrefix
	}
	if prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return prefix
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.cors.Wrap(h)
	h = observe.Middleware(s.metrics)(h)
	h = recoverer(s.log, h)
	return h
}

// UpdateCORS swaps the cross-origin policy without a restart.
func (s *Server) UpdateCORS(cfg config.CORSConfig) {
	s.cors.Update(cfg)
}

// RelayPaths returns the WebSocket endpoints, for startup logging.
func (s *Server) RelayPaths() []string { return s.relay.Paths() }

// Run serves until ctx is cancelled, then shuts down gracefully. Relay
// sessions are hijacked connections that [http.Server.Shutdown] does not
// track; they are torn down through the base context once ordinary requests
// have drained.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Server.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.Run] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := s.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()
	s.log.Info("server: listening", "addr", ln.Addr().String(), "tls", s.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	cancelBase()
	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// ── Misc handlers ────────────────────────────────────────────────────────────

func (s *Server) handleBanner(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, Banner)
}

// handleFrontendLog records a browser-side debug message.
func (s *Server) handleFrontendLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLogBytes)).Decode(&req); err != nil {
		observe.Logger(r.Context()).Debug("server: bad frontend log body", "err", err)
	}
	observe.Logger(r.Context()).Info("frontend", "message", req.Message)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = io.WriteString(w, `{"success":true}`+"\n")
}

// recoverer turns a handler panic into a 500. [http.ErrAbortHandler] is
// re-raised so the server drops the connection as requested.
func recoverer(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			log.ErrorContext(r.Context(), "server: handler panic", "panic", v, "path", r.URL.Path)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}
