// Package keycheck answers "will this credential work?" before a client
// opens a chat session.
//
// Two probes are offered. [Handler.Verify] checks a user-supplied key by
// listing models over the OpenAI REST API, which is cheaper than opening a
// realtime socket and reports a precise status. [Handler.Probe] opens and
// immediately closes a realtime connection using the server's own key, to
// check the deployment's connectivity.
package keycheck

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/cyohan21/ai-document/internal/observe"
	"github.com/cyohan21/ai-document/internal/relay"
	"github.com/cyohan21/ai-document/internal/resilience"
)

// DefaultProbeTimeout bounds the realtime connectivity probe.
const DefaultProbeTimeout = 10 * time.Second

// maxRequestBytes bounds the verify-key request body.
const maxRequestBytes = 16 << 10

// Config holds the collaborators of a [Handler]. Only Upstream is required
// for [Handler.Probe]; [Handler.Verify] needs nothing.
type Config struct {
	// BaseURL overrides the OpenAI REST endpoint. Empty uses the SDK default.
	BaseURL string

	// HTTPClient is used for REST calls. Nil uses the SDK default.
	HTTPClient *http.Client

	// Upstream dials the realtime endpoint for [Handler.Probe].
	Upstream relay.Upstream

	// ServerKey is the deployment's own credential, used only by the probe.
	ServerKey string

	// Model is reported back by the probe.
	Model string

	// ProbeTimeout defaults to [DefaultProbeTimeout].
	ProbeTimeout time.Duration

	// Breaker guards model listing. Nil creates one named "openai-models".
	Breaker *resilience.CircuitBreaker

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Handler serves the credential check routes.
type Handler struct {
	cfg Config
}

// New returns a [Handler] for cfg.
func New(cfg Config) *Handler {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Model == "" {
		cfg.Model = relay.DefaultModel
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          "openai-models",
			IsFailure:     isServiceFailure,
			OnStateChange: observe.BreakerHook(cfg.Metrics),
		})
	}
	return &Handler{cfg: cfg}
}

// isServiceFailure counts only outcomes that say something about OpenAI's
// health. A wrong or throttled key is the caller's problem.
func isServiceFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch relay.ClassifyUpstreamError(err, apiErr.Response) {
		case relay.CodeInvalidAPIKey, relay.CodeRateLimit:
			return false
		}
	}
	return true
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/ai/verify-key", h.VerifyKey)
	mux.HandleFunc("GET /api/ai/realtime-test", h.RealtimeTest)
}

// ── Verify ────────────────────────────────────────────────────────────────────

// Verify checks key locally and then against the models endpoint. It returns
// nil if the key is accepted.
func (h *Handler) Verify(ctx context.Context, key string) (e *relay.Error) {
	ctx, span := observe.StartSpan(ctx, "keycheck.Verify")
	defer func() {
		var err error
		if e != nil {
			err = e
		}
		observe.EndSpan(span, err)
	}()

	if e := relay.CheckCredential(key); e != nil {
		return e
	}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if h.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(h.cfg.BaseURL))
	}
	if h.cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(h.cfg.HTTPClient))
	}
	client := oai.NewClient(opts...)

	err := h.cfg.Breaker.Execute(func() error {
		_, err := client.Models.List(ctx)
		return err
	})
	if err == nil {
		return nil
	}

	var resp *http.Response
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		resp = apiErr.Response
	}
	code := relay.ClassifyUpstreamError(err, resp)
	return &relay.Error{Code: code, Message: code.Message(), Err: err}
}

type verifyRequest struct {
	APIKey string `json:"apiKey"`
}

// VerifyKey handles POST /api/ai/verify-key.
func (h *Handler) VerifyKey(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req)

	log := observe.Logger(r.Context())
	e := h.Verify(r.Context(), req.APIKey)
	if e == nil {
		h.cfg.Metrics.RecordKeyCheck(r.Context(), "valid")
		log.Info("keycheck: key accepted", "key", relay.Redact(req.APIKey))
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"valid":   true,
			"message": "API key is valid",
		})
		return
	}

	h.cfg.Metrics.RecordKeyCheck(r.Context(), string(e.Code))
	log.Warn("keycheck: key rejected", "key", relay.Redact(req.APIKey), "code", e.Code, "err", e.Err)
	writeJSON(w, statusFor(e), map[string]any{
		"success": false,
		"valid":   false,
		"code":    e.Code,
		"error":   e.Message,
	})
}

// statusFor maps a verification error onto an HTTP status.
func statusFor(e *relay.Error) int {
	switch {
	case e.Code.IsCredential() && e.Err == nil:
		return http.StatusBadRequest
	case errors.Is(e.Err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	}
	switch e.Code {
	case relay.CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case relay.CodeRateLimit:
		return http.StatusTooManyRequests
	case relay.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// ── Probe ─────────────────────────────────────────────────────────────────────

// ProbeError describes a failed connectivity probe.
type ProbeError struct {
	Summary string
	Details string
}

func (e *ProbeError) Error() string { return "keycheck: " + e.Summary + ": " + e.Details }

// Probe opens a realtime connection with the server key and closes it again.
func (h *Handler) Probe(ctx context.Context) error {
	if h.cfg.ServerKey == "" {
		return &ProbeError{
			Summary: "OpenAI API key not configured",
			Details: "OPENAI_API_KEY environment variable is missing",
		}
	}
	if h.cfg.Upstream == nil {
		return &ProbeError{Summary: "Failed to test Realtime API", Details: "no realtime dialer configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	conn, _, err := h.cfg.Upstream.Dial(ctx, h.cfg.ServerKey)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &ProbeError{
				Summary: "Connection timeout",
				Details: "Could not establish connection within " + h.cfg.ProbeTimeout.String(),
			}
		}
		return &ProbeError{Summary: "Failed to connect to OpenAI Realtime API", Details: err.Error()}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "probe complete")
	return nil
}

// RealtimeTest handles GET /api/ai/realtime-test.
func (h *Handler) RealtimeTest(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	if err := h.Probe(r.Context()); err != nil {
		log.Error("keycheck: realtime probe failed", "err", err)
		body := map[string]string{"error": "Failed to test Realtime API", "details": err.Error()}
		var pe *ProbeError
		if errors.As(err, &pe) {
			body = map[string]string{"error": pe.Summary, "details": pe.Details}
		}
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}
	log.Info("keycheck: realtime probe succeeded", "model", h.cfg.Model)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Successfully connected to OpenAI Realtime API",
		"model":   h.cfg.Model,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("keycheck: encode response", "err", err)
	}
}
