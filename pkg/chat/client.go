// Package chat is a client for the docchat realtime relay. It opens a text or
// voice session, turns user input into Realtime API events and folds the
// events streamed back into a [Conversation].
//
// Audio is optional: a [Player] receives response audio deltas, and because
// [Client] implements [capture.Sender] it can be handed directly to a
// capture pipeline.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cyohan21/ai-document/pkg/audio/capture"
)

var _ capture.Sender = (*Client)(nil)

// Mode selects the relay endpoint and the response modalities requested.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// ParseMode validates a user supplied mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeText, ModeVoice:
		return m, nil
	default:
		return "", fmt.Errorf("chat: unknown mode %q (want text or voice)", s)
	}
}

// modalities is the response.create modality list for m.
func (m Mode) modalities() []string {
	if m == ModeVoice {
		return []string{"text", "audio"}
	}
	return []string{"text"}
}

// DefaultReadLimit bounds a single inbound message. Audio deltas are large.
const DefaultReadLimit = 4 << 20

const writeTimeout = 10 * time.Second

// Options describe the session to open.
type Options struct {
	// ServerURL is the relay prefix, e.g. ws://localhost:3001/api/ai.
	// http and https schemes are mapped to ws and wss.
	ServerURL string
	Mode      Mode

	APIKey       string
	DocumentName string
	DocumentText string

	HTTPClient *http.Client
}

// endpoint builds the session URL carrying the credential and document as
// query parameters.
func (o Options) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(o.ServerURL, "/"))
	if err != nil {
		return "", fmt.Errorf("chat: server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("chat: server url %q: unsupported scheme", o.ServerURL)
	}
	mode := o.Mode
	if mode == "" {
		mode = ModeText
	}
	u.Path += "/" + string(mode)

	q := u.Query()
	if o.APIKey != "" {
		q.Set("apiKey", o.APIKey)
	}
	if o.DocumentText != "" {
		q.Set("documentText", o.DocumentText)
		if o.DocumentName != "" {
			q.Set("documentName", o.DocumentName)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Player plays response audio. [playback.Scheduler] satisfies it.
type Player interface {
	Enqueue(delta string) error
	Stop() error
}

// Event is a decoded server event as seen by observers.
type Event struct {
	Type       string `json:"type"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	HasDocumentContext bool `json:"hasDocumentContext,omitempty"`

	// Error is set for upstream error events, which nest the details.
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// ServerError is the error event that ended a session.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return "chat: server error: " + e.Message
	}
	return fmt.Sprintf("chat: server error %s: %s", e.Code, e.Message)
}

// Option configures a [Client].
type Option func(*Client)

// WithPlayer routes response audio to p.
func WithPlayer(p Player) Option {
	return func(c *Client) { c.player = p }
}

// WithObserver registers fn to be called for every decoded event after the
// conversation has been updated. fn runs on the receive goroutine.
func WithObserver(fn func(Event)) Option {
	return func(c *Client) { c.observe = fn }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client is one relay session.
type Client struct {
	conn    *websocket.Conn
	mode    Mode
	conv    *Conversation
	player  Player
	observe func(Event)
	log     *slog.Logger

	mu        sync.Mutex
	serverErr *ServerError
	pending   bool
}

// Dial opens a session. Events received are recorded in conv.
func Dial(ctx context.Context, opts Options, conv *Conversation, copts ...Option) (*Client, error) {
	if conv == nil {
		conv = NewConversation()
	}
	endpoint, err := opts.endpoint()
	if err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeText
	}

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: opts.HTTPClient})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("chat: dial %s: %s: %w", mode, resp.Status, err)
		}
		return nil, fmt.Errorf("chat: dial %s: %w", mode, err)
	}
	conn.SetReadLimit(DefaultReadLimit)

	c := &Client{conn: conn, mode: mode, conv: conv, log: slog.Default()}
	for _, o := range copts {
		o(c)
	}
	c.log = c.log.With("mode", string(mode))
	return c, nil
}

// Conversation returns the log the client writes to.
func (c *Client) Conversation() *Conversation { return c.conv }

// Mode returns the session mode.
func (c *Client) Mode() Mode { return c.mode }

// Pending reports whether a response has been requested and not completed.
func (c *Client) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// ServerError returns the error event received from the relay, if any.
func (c *Client) ServerError() *ServerError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverErr
}

// ── Outbound ─────────────────────────────────────────────────────────────────

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type responseCreate struct {
	Type     string `json:"type"`
	Response struct {
		Modalities []string `json:"modalities"`
	} `json:"response"`
}

// SendText records text as a user turn and asks for a response.
func (c *Client) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("chat: empty message")
	}

	item, err := json.Marshal(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return fmt.Errorf("chat: encode item: %w", err)
	}
	rc := responseCreate{Type: "response.create"}
	rc.Response.Modalities = c.mode.modalities()
	create, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("chat: encode response: %w", err)
	}

	c.conv.Add(RoleUser, text)
	if err := c.Send(ctx, item); err != nil {
		return err
	}
	if err := c.Send(ctx, create); err != nil {
		return err
	}
	c.setPending(true)
	return nil
}

// Send writes one JSON event to the relay. It implements [capture.Sender].
func (c *Client) Send(ctx context.Context, msg []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("chat: send: %w", err)
	}
	return nil
}

// ── Inbound ──────────────────────────────────────────────────────────────────

// Run receives events until the relay closes the session or ctx is
// cancelled. A normal closure returns nil unless the relay reported an error
// first, in which case that [ServerError] is returned.
func (c *Client) Run(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if se := c.ServerError(); se != nil {
				return se
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("chat: read: %w", err)
		}
		// Binary frames carry the same JSON events as text frames.
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Debug("chat: undecodable event", "err", err, "bytes", len(data))
			continue
		}
		c.handle(ev)
		if c.observe != nil {
			c.observe(ev)
		}
	}
}

func (c *Client) handle(ev Event) {
	switch ev.Type {
	case "connected":
		c.conv.Add(RoleSystem, ev.Message)

	case "error":
		msg, code := ev.Message, ev.Code
		if ev.Error != nil {
			if msg == "" {
				msg = ev.Error.Message
			}
			if code == "" {
				code = ev.Error.Code
			}
		}
		c.conv.Add(RoleSystem, "Error: "+msg)
		c.mu.Lock()
		c.serverErr = &ServerError{Code: code, Message: msg}
		c.pending = false
		c.mu.Unlock()

	case "response.text.delta":
		c.conv.AppendAssistant(ev.Delta)

	case "response.audio.delta":
		if c.player == nil {
			return
		}
		if err := c.player.Enqueue(ev.Delta); err != nil {
			c.log.Warn("chat: audio delta dropped", "err", err)
		}

	case "response.audio_transcript.delta":
		c.conv.AppendSpoken(ev.Delta)

	case "response.audio_transcript.done":
		c.conv.FlushSpoken(ev.Transcript)

	case "conversation.item.input_audio_transcription.completed":
		if t := strings.TrimSpace(ev.Transcript); t != "" {
			c.conv.Add(RoleUser, t)
		}

	case "input_audio_buffer.speech_started":
		c.log.Debug("chat: speech started")
		// The user is talking over the assistant.
		if c.player != nil {
			if err := c.player.Stop(); err != nil {
				c.log.Debug("chat: stop playback", "err", err)
			}
		}

	case "input_audio_buffer.speech_stopped":
		c.log.Debug("chat: speech stopped")

	case "response.done", "response.text.done":
		c.setPending(false)
	}
}

func (c *Client) setPending(v bool) {
	c.mu.Lock()
	c.pending = v
	c.mu.Unlock()
}

// Close ends the session and stops playback.
func (c *Client) Close() error {
	if c.player != nil {
		if err := c.player.Stop(); err != nil {
			c.log.Debug("chat: stop playback", "err", err)
		}
	}
	if err := c.conn.Close(websocket.StatusNormalClosure, ""); err != nil &&
		websocket.CloseStatus(err) == -1 && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("chat: close: %w", err)
	}
	return nil
}
