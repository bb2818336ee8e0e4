package relay

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/cyohan21/ai-document/internal/observe"
)

// DefaultPathPrefix is the mount point of the relay routes.
const DefaultPathPrefix = "/api/ai"

// routes maps path suffixes below the prefix onto modalities. /realtime is
// the legacy path and always negotiates text.
var routes = map[string]Modality{
	"/text":     ModalityText,
	"/voice":    ModalityVoice,
	"/realtime": ModalityText,
}

// DispatcherConfig holds the settings a [Dispatcher] passes to every session.
type DispatcherConfig struct {
	// PathPrefix is prepended to every route. Defaults to [DefaultPathPrefix].
	PathPrefix string

	// OriginPatterns are the host patterns accepted on cross-origin upgrades.
	// See [websocket.AcceptOptions].
	OriginPatterns []string

	// InsecureSkipVerify disables the origin check entirely.
	InsecureSkipVerify bool

	// ReadLimit bounds a single client frame. Defaults to [DefaultReadLimit].
	ReadLimit int64

	DialTimeout time.Duration
	DebugErrors bool
	Metrics     *observe.Metrics
}

// Dispatcher routes upgrade requests to relay sessions by path. It implements
// [http.Handler] and holds no per-session state.
type Dispatcher struct {
	cfg      DispatcherConfig
	upstream Upstream
}

// NewDispatcher creates a dispatcher that dials upstream for every accepted
// session.
func NewDispatcher(upstream Upstream, cfg DispatcherConfig) *Dispatcher {
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = DefaultPathPrefix
	}
	cfg.PathPrefix = strings.TrimRight(cfg.PathPrefix, "/")
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{cfg: cfg, upstream: upstream}
}

// Paths returns the full request paths the dispatcher serves.
func (d *Dispatcher) Paths() []string {
	return []string{
		d.cfg.PathPrefix + "/text",
		d.cfg.PathPrefix + "/voice",
		d.cfg.PathPrefix + "/realtime",
	}
}

// Route resolves a request path to a modality.
func (d *Dispatcher) Route(path string) (Modality, bool) {
	suffix, ok := strings.CutPrefix(path, d.cfg.PathPrefix)
	if !ok {
		return 0, false
	}
	m, ok := routes[suffix]
	return m, ok
}

// ServeHTTP implements [http.Handler].
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	modality, ok := d.Route(r.URL.Path)
	if !ok || !isUpgrade(r) {
		log.Debug("relay: rejecting upgrade", "path", r.URL.Path, "upgrade", isUpgrade(r))
		destroy(w)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     d.cfg.OriginPatterns,
		InsecureSkipVerify: d.cfg.InsecureSkipVerify,
	})
	if err != nil {
		// Accept has already written an error response.
		log.Warn("relay: accept failed", "path", r.URL.Path, "err", err)
		return
	}
	conn.SetReadLimit(d.cfg.ReadLimit)

	sess := NewSession(conn, modality, ParamsFromRequest(r), d.upstream,
		WithDialTimeout(d.cfg.DialTimeout),
		WithDebugErrors(d.cfg.DebugErrors),
		WithMetrics(d.cfg.Metrics),
	)
	if err := sess.Run(r.Context()); err != nil {
		log.Info("relay: session ended with error", "mode", modality.label(), "err", err)
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// destroy closes the underlying connection without writing a response. When
// the writer cannot be hijacked (HTTP/2) the request is aborted instead.
func destroy(w http.ResponseWriter) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		slog.Debug("relay: hijack unavailable, aborting", "err", err)
		panic(http.ErrAbortHandler)
	}
	_ = conn.Close()
}
