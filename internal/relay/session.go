package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cyohan21/ai-document/internal/observe"
)

// State is a session lifecycle state. Transitions only move forward.
type State int32

const (
	AwaitingCredential State = iota
	ConnectingUpstream
	Relaying
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case AwaitingCredential:
		return "awaiting_credential"
	case ConnectingUpstream:
		return "connecting_upstream"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	// DefaultDialTimeout bounds the upstream handshake.
	DefaultDialTimeout = 10 * time.Second

	// controlWriteTimeout bounds writes of relay-originated events.
	controlWriteTimeout = 5 * time.Second
)

var (
	errClientGone   = errors.New("relay: client closed")
	errUpstreamGone = errors.New("relay: upstream closed")
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Session].
type Option func(*Session)

// WithDialTimeout overrides [DefaultDialTimeout].
func WithDialTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithDebugErrors includes raw error text in error events sent to clients.
func WithDebugErrors(on bool) Option {
	return func(s *Session) { s.debug = on }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the session logger. Defaults to the trace-enriched logger
// of the context passed to [Session.Run].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session bridges one client socket to one upstream connection.
//
// Setup is strictly ordered: credential gate, upstream dial, one
// session.update upstream, then a connected event to the client. Only after
// that does forwarding start, in both directions concurrently and without
// interpreting payloads. When either side ends, both sockets are closed and
// the session reaches [Closed] exactly once.
type Session struct {
	client   Conn
	upstream Upstream
	modality Modality
	params   Params

	dialTimeout time.Duration
	debug       bool
	metrics     *observe.Metrics
	log         *slog.Logger

	state atomic.Int32

	mu       sync.Mutex
	up       Conn
	cancel   context.CancelFunc
	onClosed []func()
	fatal    *Error

	closeOnce sync.Once
	started   time.Time
}

// NewSession creates a session for an accepted client connection. Nothing
// happens until [Session.Run].
func NewSession(client Conn, modality Modality, params Params, upstream Upstream, opts ...Option) *Session {
	s := &Session{
		client:      client,
		upstream:    upstream,
		modality:    modality,
		params:      params,
		dialTimeout: DefaultDialTimeout,
		metrics:     observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Modality returns the session modality.
func (s *Session) Modality() Modality { return s.modality }

// OnClosed registers fn to run once the session reaches [Closed]. If the
// session is already closed fn runs immediately.
func (s *Session) OnClosed(fn func()) {
	s.mu.Lock()
	if s.State() != Closed {
		s.onClosed = append(s.onClosed, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// Close tears the session down from outside. It is idempotent and safe to
// call concurrently with Run.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.finish()
}

// Run drives the session until it is closed. It returns the session-fatal
// [*Error] that was reported to the client, or nil for a normal teardown.
func (s *Session) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "relay.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("relay.modality", s.modality.String()),
			attribute.Bool("relay.has_document", s.params.HasDocument()),
		),
	)
	defer func() { observe.EndSpan(span, err) }()

	s.mu.Lock()
	if s.State() == Closed {
		s.mu.Unlock()
		return nil
	}
	s.cancel = cancel
	s.started = time.Now()
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = observe.WithTrace(ctx, s.log).With("mode", s.modality.label())
	s.mu.Unlock()

	s.metrics.RecordSessionStart(ctx, s.modality.String())
	defer s.finish()

	s.log.Info("relay: client connected",
		"credential", Redact(s.params.Credential),
		"document", s.params.DocumentName,
		"document_chars", len(s.params.DocumentText),
	)

	// AwaitingCredential
	if e := CheckCredential(s.params.Credential); e != nil {
		s.log.Warn("relay: credential rejected", "code", e.Code)
		s.fail(ctx, e)
		return e
	}

	// ConnectingUpstream
	s.setState(ConnectingUpstream)
	up, e := s.dial(ctx)
	if e != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.fail(ctx, e)
		return e
	}

	if err := s.configure(ctx, up); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		e := newError(CodeOpenAIError, err)
		s.fail(ctx, e)
		return e
	}

	// Relaying
	s.setState(Relaying)
	reason := s.relay(ctx, up)
	s.log.Info("relay: session ended", "reason", reason)

	s.mu.Lock()
	fatal := s.fatal
	s.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	return nil
}

// dial opens the upstream connection within the dial timeout.
func (s *Session) dial(ctx context.Context) (Conn, *Error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	start := time.Now()
	up, resp, err := s.upstream.Dial(dialCtx, s.params.Credential)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordUpstreamDial(ctx, time.Since(start).Seconds(), status)

	if err != nil {
		code := ClassifyUpstreamError(err, resp)
		if code == CodeOpenAIError && dialCtx.Err() != nil && ctx.Err() == nil {
			code = CodeTimeout
		}
		s.log.Error("relay: upstream dial failed", "code", code, "err", err)
		return nil, newError(code, err)
	}

	s.mu.Lock()
	s.up = up
	s.mu.Unlock()
	if s.State() == Closed {
		_ = up.Close(websocket.StatusNormalClosure, "session closed")
		return nil, newError(CodeOpenAIError, errClientGone)
	}
	return up, nil
}

// configure sends session.update upstream and then announces the session to
// the client. The ordering is the session's only protocol obligation.
func (s *Session) configure(ctx context.Context, up Conn) error {
	instructions := BuildInstructions(s.params)
	update, err := marshal(BuildSessionUpdate(s.modality, instructions))
	if err != nil {
		return err
	}
	if err := up.Write(ctx, websocket.MessageText, update); err != nil {
		return fmt.Errorf("relay: send session.update: %w", err)
	}
	s.log.Info("relay: upstream configured",
		"has_document", s.params.HasDocument(),
		"instructions_chars", len(instructions),
	)

	connected, err := marshal(newConnectedEvent(s.modality, s.params.HasDocument()))
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	if err := s.client.Write(wctx, websocket.MessageText, connected); err != nil {
		return fmt.Errorf("relay: send connected: %w", err)
	}
	return nil
}

// relay runs both forwarding legs until one ends, and returns why.
//
// The first leg to return closes both sockets with a normal closure, which
// ends the other leg's Read. Cancelling a Read context instead would drop
// the socket without a close frame.
func (s *Session) relay(ctx context.Context, up Conn) error {
	var g errgroup.Group
	g.Go(func() error {
		defer s.finish()
		return s.clientToUpstream(ctx, up)
	})
	g.Go(func() error {
		defer s.finish()
		return s.upstreamToClient(ctx, up)
	})
	return g.Wait()
}

// clientToUpstream forwards client frames. Text frames must be well-formed
// JSON; malformed ones are dropped without ending the session. Binary frames
// pass through byte for byte.
func (s *Session) clientToUpstream(ctx context.Context, up Conn) error {
	for {
		typ, data, err := s.client.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", errClientGone, err)
		}

		if typ == websocket.MessageText {
			if !json.Valid(data) {
				s.log.Warn("relay: dropping malformed client message", "bytes", len(data))
				s.metrics.RecordDropped(ctx, "invalid_json")
				continue
			}
			if s.log.Enabled(ctx, slog.LevelDebug) {
				s.log.Debug("relay: client message", "type", eventType(data))
			}
		}

		if err := up.Write(ctx, typ, data); err != nil {
			return fmt.Errorf("relay: write upstream: %w", err)
		}
		s.metrics.RecordRelayed(ctx, "client_to_upstream", frameName(typ))
	}
}

// upstreamToClient forwards upstream frames unmodified. An abnormal upstream
// failure is reported to the client once before the session closes.
func (s *Session) upstreamToClient(ctx context.Context, up Conn) error {
	for {
		typ, data, err := up.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || s.State() == Closed {
				return fmt.Errorf("%w: %w", errUpstreamGone, err)
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.log.Info("relay: upstream closed")
				return fmt.Errorf("%w: %w", errUpstreamGone, err)
			}
			e := newError(ClassifyUpstreamError(err, nil), err)
			s.log.Error("relay: upstream failed", "code", e.Code, "err", err)
			s.fail(ctx, e)
			return e
		}

		if err := s.client.Write(ctx, typ, data); err != nil {
			return fmt.Errorf("%w: write: %w", errClientGone, err)
		}
		s.metrics.RecordRelayed(ctx, "upstream_to_client", frameName(typ))
	}
}

// fail emits the single error event for e to the client.
func (s *Session) fail(ctx context.Context, e *Error) {
	s.mu.Lock()
	if s.fatal != nil {
		s.mu.Unlock()
		return
	}
	s.fatal = e
	s.mu.Unlock()

	s.metrics.RecordSessionError(ctx, string(e.Code))

	ev := errorEvent{Type: "error", Message: e.Message, Code: e.Code}
	if s.debug && e.Err != nil {
		ev.Detail = e.Err.Error()
	}
	data, err := marshal(ev)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), controlWriteTimeout)
	defer cancel()
	if err := s.client.Write(wctx, websocket.MessageText, data); err != nil {
		s.log.Debug("relay: error event not delivered", "err", err)
	}
}

// finish closes both sockets and moves to Closed. Only the first call has
// any effect.
func (s *Session) finish() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(Closed))
		up := s.up
		started := s.started
		hooks := s.onClosed
		s.onClosed = nil
		s.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.client.Close(websocket.StatusNormalClosure, "")
		}()
		if up != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = up.Close(websocket.StatusNormalClosure, "")
			}()
		}
		wg.Wait()

		if !started.IsZero() {
			s.metrics.RecordSessionEnd(context.Background(), s.modality.String(), time.Since(started).Seconds())
		}
		for _, fn := range hooks {
			fn()
		}
	})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Closed {
		s.state.Store(int32(st))
	}
}

func frameName(typ websocket.MessageType) string {
	if typ == websocket.MessageBinary {
		return "binary"
	}
	return "text"
}

// eventType extracts the type field of a JSON event for logging.
func eventType(data []byte) string {
	var ev struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &ev)
	return ev.Type
}
