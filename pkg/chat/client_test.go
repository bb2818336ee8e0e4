package chat_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cyohan21/ai-document/pkg/audio/mock"
	"github.com/cyohan21/ai-document/pkg/audio/playback"
	"github.com/cyohan21/ai-document/pkg/chat"
)

// fakeRelay accepts one session, writes script, then reads until the client
// sends want messages and closes normally.
type fakeRelay struct {
	script []string
	want   int
	binary bool

	mu       sync.Mutex
	url      *url.URL
	received []string
	done     chan struct{}
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.url = r.URL
	f.mu.Unlock()
	defer close(f.done)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	for i := 0; i < f.want; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, string(data))
		f.mu.Unlock()
	}
	typ := websocket.MessageText
	if f.binary {
		typ = websocket.MessageBinary
	}
	for _, ev := range f.script {
		if err := conn.Write(ctx, typ, []byte(ev)); err != nil {
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (f *fakeRelay) Received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func startRelay(t *testing.T, f *fakeRelay) string {
	t.Helper()
	f.done = make(chan struct{})
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv.URL + "/api/ai"
}

func dial(t *testing.T, opts chat.Options, conv *chat.Conversation, copts ...chat.Option) *chat.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := chat.Dial(ctx, opts, conv, copts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func run(t *testing.T, c *chat.Client) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Run(ctx)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    chat.Mode
		wantErr bool
	}{
		{in: "text", want: chat.ModeText},
		{in: " Voice ", want: chat.ModeVoice},
		{in: "video", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := chat.ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestDial_QueryParameters(t *testing.T) {
	t.Parallel()

	f := &fakeRelay{}
	base := startRelay(t, f)
	c := dial(t, chat.Options{
		ServerURL:    base,
		Mode:         chat.ModeVoice,
		APIKey:       "sk-test",
		DocumentName: "lease.pdf",
		DocumentText: "Rent is due monthly.",
	}, nil)
	if err := run(t, c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-f.done

	f.mu.Lock()
	u := f.url
	f.mu.Unlock()
	if u.Path != "/api/ai/voice" {
		t.Errorf("path = %q", u.Path)
	}
	q := u.Query()
	if q.Get("apiKey") != "sk-test" || q.Get("documentName") != "lease.pdf" || q.Get("documentText") != "Rent is due monthly." {
		t.Errorf("query = %v", q)
	}
}

func TestDial_BadServerURL(t *testing.T) {
	t.Parallel()

	_, err := chat.Dial(context.Background(), chat.Options{ServerURL: "ftp://example.com"}, nil)
	if err == nil || !strings.Contains(err.Error(), "unsupported scheme") {
		t.Errorf("Dial = %v", err)
	}
}

func TestSendText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode           chat.Mode
		wantModalities []string
	}{
		{mode: chat.ModeText, wantModalities: []string{"text"}},
		{mode: chat.ModeVoice, wantModalities: []string{"text", "audio"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			t.Parallel()

			f := &fakeRelay{want: 2}
			base := startRelay(t, f)
			conv := chat.NewConversation()
			c := dial(t, chat.Options{ServerURL: base, Mode: tt.mode, APIKey: "sk-test"}, conv)

			if err := c.SendText(context.Background(), "  what is the rent?  "); err != nil {
				t.Fatalf("SendText: %v", err)
			}
			if !c.Pending() {
				t.Error("Pending = false after SendText")
			}
			if err := run(t, c); err != nil {
				t.Fatalf("Run: %v", err)
			}

			got := f.Received()
			if len(got) != 2 {
				t.Fatalf("received %d messages; want 2", len(got))
			}
			var item struct {
				Type string `json:"type"`
				Item struct {
					Role    string `json:"role"`
					Content []struct {
						Type string `json:"type"`
						Text string `json:"text"`
					} `json:"content"`
				} `json:"item"`
			}
			if err := json.Unmarshal([]byte(got[0]), &item); err != nil {
				t.Fatal(err)
			}
			if item.Type != "conversation.item.create" || item.Item.Role != "user" ||
				len(item.Item.Content) != 1 || item.Item.Content[0].Text != "what is the rent?" {
				t.Errorf("item = %s", got[0])
			}
			var create struct {
				Type     string `json:"type"`
				Response struct {
					Modalities []string `json:"modalities"`
				} `json:"response"`
			}
			if err := json.Unmarshal([]byte(got[1]), &create); err != nil {
				t.Fatal(err)
			}
			if create.Type != "response.create" || strings.Join(create.Response.Modalities, ",") != strings.Join(tt.wantModalities, ",") {
				t.Errorf("create = %s", got[1])
			}
			if last, _ := conv.Last(); last.Role != chat.RoleUser || last.Content != "what is the rent?" {
				t.Errorf("last message = %+v", last)
			}
		})
	}
}

func TestSendText_Empty(t *testing.T) {
	t.Parallel()

	f := &fakeRelay{}
	c := dial(t, chat.Options{ServerURL: startRelay(t, f)}, nil)
	if err := c.SendText(context.Background(), "   "); err == nil {
		t.Error("SendText with blank text should fail")
	}
	if n := len(c.Conversation().Messages()); n != 0 {
		t.Errorf("conversation has %d messages", n)
	}
}

func TestRun_TextEvents(t *testing.T) {
	t.Parallel()

	for _, bin := range []bool{false, true} {
		t.Run(map[bool]string{false: "text frames", true: "binary frames"}[bin], func(t *testing.T) {
			t.Parallel()

			f := &fakeRelay{binary: bin, script: []string{
				`{"type":"connected","message":"Connected to OpenAI Realtime API (text)","hasDocumentContext":true}`,
				`{"type":"response.text.delta","delta":"The rent "}`,
				`{"type":"response.text.delta","delta":"is $900."}`,
				`not json`,
				`{"type":"response.text.done"}`,
				`{"type":"response.done"}`,
			}}
			conv := chat.NewConversation()
			var types []string
			c := dial(t, chat.Options{ServerURL: startRelay(t, f)}, conv,
				chat.WithObserver(func(ev chat.Event) { types = append(types, ev.Type) }))

			if err := run(t, c); err != nil {
				t.Fatalf("Run: %v", err)
			}
			want := []chat.Message{
				{Role: chat.RoleSystem, Content: "Connected to OpenAI Realtime API (text)"},
				{Role: chat.RoleAssistant, Content: "The rent is $900."},
			}
			assertMessages(t, conv.Messages(), want)
			if len(types) != 5 {
				t.Errorf("observed %v", types)
			}
			if c.Pending() {
				t.Error("Pending after response.done")
			}
		})
	}
}

func TestRun_VoiceEvents(t *testing.T) {
	t.Parallel()

	pc := &mock.PlaybackContext{}
	player := playback.New(mock.Factory(pc))
	delta := pcmDelta(480)

	f := &fakeRelay{script: []string{
		`{"type":"input_audio_buffer.speech_started"}`,
		`{"type":"input_audio_buffer.speech_stopped"}`,
		`{"type":"conversation.item.input_audio_transcription.completed","transcript":" When is rent due? "}`,
		`{"type":"response.audio_transcript.delta","delta":"On the "}`,
		`{"type":"response.audio.delta","delta":"` + delta + `"}`,
		`{"type":"response.audio.delta","delta":"%%%"}`,
		`{"type":"response.audio_transcript.delta","delta":"first."}`,
		`{"type":"response.audio_transcript.done"}`,
		`{"type":"response.audio_transcript.done","transcript":"Any questions?"}`,
		`{"type":"response.done"}`,
	}}
	conv := chat.NewConversation()
	c := dial(t, chat.Options{ServerURL: startRelay(t, f), Mode: chat.ModeVoice}, conv, chat.WithPlayer(player))

	if err := run(t, c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertMessages(t, conv.Messages(), []chat.Message{
		{Role: chat.RoleUser, Content: "When is rent due?"},
		{Role: chat.RoleAssistant, Content: "On the first."},
		{Role: chat.RoleAssistant, Content: "Any questions?"},
	})

	select {
	case <-pc.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("audio delta never reached playback")
	}
	calls := pc.Calls()
	if len(calls) != 1 || len(calls[0].Buffer.Samples) != 480 {
		t.Errorf("playback calls = %d", len(calls))
	}
}

func TestRun_ServerError(t *testing.T) {
	t.Parallel()

	f := &fakeRelay{script: []string{
		`{"type":"error","code":"INVALID_API_KEY","message":"Invalid API key format"}`,
	}}
	conv := chat.NewConversation()
	c := dial(t, chat.Options{ServerURL: startRelay(t, f), APIKey: "nope"}, conv)

	err := run(t, c)
	var se *chat.ServerError
	if !errors.As(err, &se) || se.Code != "INVALID_API_KEY" {
		t.Fatalf("Run = %v; want ServerError INVALID_API_KEY", err)
	}
	assertMessages(t, conv.Messages(), []chat.Message{
		{Role: chat.RoleSystem, Content: "Error: Invalid API key format"},
	})
}

func TestRun_NestedUpstreamError(t *testing.T) {
	t.Parallel()

	f := &fakeRelay{script: []string{
		`{"type":"error","error":{"code":"invalid_value","message":"bad item"}}`,
	}}
	c := dial(t, chat.Options{ServerURL: startRelay(t, f)}, nil)

	err := run(t, c)
	var se *chat.ServerError
	if !errors.As(err, &se) || se.Code != "invalid_value" || se.Message != "bad item" {
		t.Errorf("Run = %v", err)
	}
}

func TestClient_SendImplementsCaptureSender(t *testing.T) {
	t.Parallel()

	f := &fakeRelay{want: 1}
	c := dial(t, chat.Options{ServerURL: startRelay(t, f), Mode: chat.ModeVoice}, nil)
	msg := `{"type":"input_audio_buffer.append","audio":"AAA="}`
	if err := c.Send(context.Background(), []byte(msg)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := run(t, c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.Received(); len(got) != 1 || got[0] != msg {
		t.Errorf("received %v", got)
	}
}

func assertMessages(t *testing.T, got, want []chat.Message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("messages = %+v; want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %+v; want %+v", i, got[i], want[i])
		}
	}
}

// pcmDelta encodes n samples of little-endian PCM16 as a response delta.
func pcmDelta(n int) string {
	buf := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(i*8)))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
