package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/cyohan21/ai-document/internal/config"
	"github.com/cyohan21/ai-document/internal/document"
	"github.com/cyohan21/ai-document/internal/health"
	"github.com/cyohan21/ai-document/internal/observe"
	"github.com/cyohan21/ai-document/internal/relay"
	"github.com/cyohan21/ai-document/internal/server"
	"github.com/cyohan21/ai-document/internal/youtube"
)

// refusingUpstream counts dials and always fails.
type refusingUpstream struct{ dials atomic.Int32 }

func (u *refusingUpstream) Dial(context.Context, string) (relay.Conn, *http.Response, error) {
	u.dials.Add(1)
	return nil, nil, errors.New("dial refused")
}

type stubFetcher struct{}

func (stubFetcher) Fetch(context.Context, string) (youtube.Transcript, error) {
	return youtube.Transcript{Text: "captions", Metadata: youtube.Metadata{Title: "T", VideoID: "abcdefghijk"}}, nil
}

func newServer(t *testing.T, mutate func(*config.Config, *server.Deps)) (*server.Server, *refusingUpstream) {
	t.Helper()
	cfg := config.Default()
	cfg.CORS.AllowedOrigins = []string{"http://localhost:3000", "http://192.168.*"}

	store, err := document.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	up := &refusingUpstream{}
	deps := server.Deps{
		Upstream: up,
		Store:    store,
		Fetcher:  stubFetcher{},
		Metrics:  m,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	s, err := server.New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, up
}

func startServer(t *testing.T, s *server.Server) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := server.New(config.Default(), server.Deps{}); err == nil {
		t.Error("New without upstream should fail")
	}
	if _, err := server.New(config.Default(), server.Deps{Upstream: &refusingUpstream{}}); err == nil {
		t.Error("New without store should fail")
	}
}

func TestServer_Routes(t *testing.T) {
	t.Parallel()

	s, _ := newServer(t, nil)
	srv := startServer(t, s)

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{path: "/", wantCode: 200, wantBody: server.Banner},
		{path: "/healthz", wantCode: 200, wantBody: `"status":"ok"`},
		{path: "/readyz", wantCode: 200, wantBody: `"storage":"ok"`},
		{path: "/metrics", wantCode: 200, wantBody: "# metrics"},
		{path: "/api/pdf/list", wantCode: 200, wantBody: `"success":true`},
		{path: "/api/ai/realtime-test", wantCode: 500, wantBody: "OpenAI API key not configured"},
		{path: "/nope", wantCode: 404},
	}
	for _, tt := range tests {
		code, body := get(t, srv.URL+tt.path)
		if code != tt.wantCode || !strings.Contains(body, tt.wantBody) {
			t.Errorf("GET %s = %d %q; want %d containing %q", tt.path, code, body, tt.wantCode, tt.wantBody)
		}
	}
}

func TestServer_PostRoutes(t *testing.T) {
	t.Parallel()

	s, _ := newServer(t, nil)
	srv := startServer(t, s)

	tests := []struct {
		path     string
		body     string
		wantCode int
		wantBody string
	}{
		{path: "/api/log", body: `{"message":"button clicked"}`, wantCode: 200, wantBody: `{"success":true}`},
		{path: "/api/log", body: `not json`, wantCode: 200, wantBody: `{"success":true}`},
		{path: "/api/ai/verify-key", body: `{"apiKey":"nope"}`, wantCode: 400, wantBody: "INVALID_API_KEY"},
		{path: "/api/youtube/process", body: `{"url":"https://youtu.be/abcdefghijk"}`, wantCode: 200, wantBody: `"transcript":"captions"`},
	}
	for _, tt := range tests {
		resp, err := http.Post(srv.URL+tt.path, "application/json", strings.NewReader(tt.body))
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.wantCode || !strings.Contains(string(b), tt.wantBody) {
			t.Errorf("POST %s = %d %q; want %d containing %q", tt.path, resp.StatusCode, b, tt.wantCode, tt.wantBody)
		}
	}
}

func TestServer_RelayMounted(t *testing.T) {
	t.Parallel()

	s, up := newServer(t, nil)
	srv := startServer(t, s)
	if got := s.RelayPaths(); len(got) != 3 || got[0] != "/api/ai/text" {
		t.Errorf("RelayPaths = %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ai/voice", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Type string `json:"type"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "error" || ev.Code != string(relay.CodeNoAPIKey) {
		t.Errorf("event = %+v", ev)
	}
	if up.dials.Load() != 0 {
		t.Error("upstream dialled without a credential")
	}
}

func TestServer_UnknownRelayPathDropped(t *testing.T) {
	t.Parallel()

	s, up := newServer(t, nil)
	srv := startServer(t, s)

	c, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	_, _ = io.WriteString(c, "GET /api/ai/unknown HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n"+
		"Sec-WebSocket-Version: 13\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n")
	n, _ := bufio.NewReader(c).Read(make([]byte, 64))
	if n != 0 {
		t.Errorf("got %d response bytes; want the connection dropped silently", n)
	}
	if up.dials.Load() != 0 {
		t.Error("upstream dialled for an unknown path")
	}
}

func TestServer_ReadyzReportsFailingChecker(t *testing.T) {
	t.Parallel()

	s, _ := newServer(t, func(_ *config.Config, d *server.Deps) {
		d.Checkers = []health.Checker{{
			Name:  "catalog",
			Check: func(context.Context) error { return errors.New("connection refused") },
		}}
	})
	srv := startServer(t, s)
	code, body := get(t, srv.URL+"/readyz")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "connection refused") {
		t.Errorf("readyz = %d %q", code, body)
	}
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	s, _ := newServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(5 * time.Second)
	for {
		if resp, err := http.Get(url); err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never became reachable")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v; want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
