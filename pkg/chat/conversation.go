package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Role identifies the author of a [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is the ordered message log of a chat, including streamed
// assistant text and the pending spoken transcript of the current response.
// It is safe for concurrent use.
type Conversation struct {
	mu       sync.Mutex
	messages []Message
	spoken   strings.Builder
}

// NewConversation returns an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Add appends a complete message.
func (c *Conversation) Add(role Role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: role, Content: content})
}

// AppendAssistant extends the trailing assistant message with delta, or
// starts a new one if the last message has another role.
func (c *Conversation) AppendAssistant(delta string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.messages); n > 0 && c.messages[n-1].Role == RoleAssistant {
		c.messages[n-1].Content += delta
		return
	}
	c.messages = append(c.messages, Message{Role: RoleAssistant, Content: delta})
}

// AppendSpoken accumulates a delta of the transcript of spoken output.
func (c *Conversation) AppendSpoken(delta string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spoken.WriteString(delta)
}

// Spoken returns the transcript accumulated since the last flush.
func (c *Conversation) Spoken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spoken.String()
}

// FlushSpoken turns the accumulated spoken transcript into an assistant
// message. final, when non-empty, is the server's complete transcript and
// takes precedence over the accumulated deltas. It reports whether a message
// was added.
func (c *Conversation) FlushSpoken(final string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := final
	if text == "" {
		text = c.spoken.String()
	}
	c.spoken.Reset()
	if text == "" {
		return "", false
	}
	c.messages = append(c.messages, Message{Role: RoleAssistant, Content: text})
	return text, true
}

// Messages returns a copy of the log.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Last returns the most recent message, if any.
func (c *Conversation) Last() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// Clear drops every message and any pending transcript.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.spoken.Reset()
}

// ── Persistence ──────────────────────────────────────────────────────────────

// Save writes the log to path as JSON, replacing the file atomically.
// System messages are kept so a reload shows the same history.
func (c *Conversation) Save(path string) error {
	data, err := json.MarshalIndent(c.Messages(), "", "  ")
	if err != nil {
		return fmt.Errorf("chat: encode conversation: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("chat: save conversation: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("chat: save conversation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("chat: save conversation: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("chat: save conversation: %w", err)
	}
	return nil
}

// LoadConversation reads a log written by [Conversation.Save]. A missing file
// yields an empty conversation.
func LoadConversation(path string) (*Conversation, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewConversation(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: load conversation: %w", err)
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("chat: load conversation %q: %w", path, err)
	}
	return &Conversation{messages: msgs}, nil
}
