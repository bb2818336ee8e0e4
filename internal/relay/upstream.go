package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

const (
	// DefaultModel is the realtime model requested when none is configured.
	DefaultModel = "gpt-4o-realtime-preview-2024-10-01"

	// DefaultUpstreamURL is the realtime WebSocket endpoint.
	DefaultUpstreamURL = "wss://api.openai.com/v1/realtime"

	// DefaultReadLimit bounds a single frame read from either socket. Session
	// events echo the full instructions, which embed whole documents.
	DefaultReadLimit = 16 << 20
)

// Conn is the subset of [*websocket.Conn] a session uses. Writes may be
// issued from several goroutines; reads happen on one goroutine per socket.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ Conn = (*websocket.Conn)(nil)

// Upstream opens connections to the realtime provider.
type Upstream interface {
	// Dial connects with credential as the bearer token. On a rejected
	// handshake the HTTP response is returned alongside the error so the
	// caller can classify the failure.
	Dial(ctx context.Context, credential string) (Conn, *http.Response, error)
}

// ── WebSocketDialer ────────────────────────────────────────────────────────────

// DialerOption is a functional option for configuring a [WebSocketDialer].
type DialerOption func(*WebSocketDialer)

// WithModel sets the realtime model requested in the upstream URL.
func WithModel(model string) DialerOption {
	return func(d *WebSocketDialer) {
		if model != "" {
			d.model = model
		}
	}
}

// WithBaseURL overrides the upstream WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) DialerOption {
	return func(d *WebSocketDialer) {
		if u != "" {
			d.baseURL = u
		}
	}
}

// WithReadLimit sets the per-frame read limit on dialled connections.
func WithReadLimit(n int64) DialerOption {
	return func(d *WebSocketDialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(c *http.Client) DialerOption {
	return func(d *WebSocketDialer) { d.client = c }
}

// WebSocketDialer is the default [Upstream]. It authenticates with a bearer
// token and pins the realtime protocol version header.
type WebSocketDialer struct {
	model     string
	baseURL   string
	readLimit int64
	client    *http.Client
}

// NewWebSocketDialer creates a dialer for the realtime endpoint.
func NewWebSocketDialer(opts ...DialerOption) *WebSocketDialer {
	d := &WebSocketDialer{
		model:     DefaultModel,
		baseURL:   DefaultUpstreamURL,
		readLimit: DefaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// URL returns the full upstream URL including the model query parameter.
func (d *WebSocketDialer) URL() string {
	return d.baseURL + "?model=" + url.QueryEscape(d.model)
}

// Model returns the configured realtime model.
func (d *WebSocketDialer) Model() string { return d.model }

// Dial implements [Upstream].
func (d *WebSocketDialer) Dial(ctx context.Context, credential string) (Conn, *http.Response, error) {
	conn, resp, err := websocket.Dial(ctx, d.URL(), &websocket.DialOptions{
		HTTPClient: d.client,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + credential},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, resp, fmt.Errorf("relay: dial upstream: %w", err)
	}
	conn.SetReadLimit(d.readLimit)
	return conn, resp, nil
}
