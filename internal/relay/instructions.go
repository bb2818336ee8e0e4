package relay

import (
	"encoding/json"
	"fmt"
	"strings"
)

// genericInstructions is used when no document context was supplied.
const genericInstructions = "You are a helpful AI assistant. Keep all responses to 3-4 sentences maximum."

const documentPolicyHead = `# Role & Objective
You are an expert document analysis assistant. Your primary goal is to help users deeply understand and extract insights from their documents. Success means providing accurate, relevant, and actionable information based solely on the document content.

# Personality & Tone
- Speak clearly and conversationally
- Be professional yet approachable
- Show confidence in your knowledge of the document
- Use natural pauses and varied inflection
- Avoid robotic or repetitive phrasing - vary your responses

# Context
You have full access to the following document:

---
`

const documentPolicyTail = `
---

# Instructions / Rules
- **CRITICAL: Keep ALL responses to 3-4 sentences maximum. This is the most important rule.**
- Be extremely concise and direct in your answers
- ALWAYS base your answers on the document content provided above
- Cite specific sections, quotes, or details from the document when answering
- If asked about something NOT in the document, clearly state: "That information is not mentioned in this document"
- If you're unsure about an interpretation, acknowledge it and offer the most likely meaning
- NEVER invent or assume information that isn't in the document
- Break long explanations into multiple short exchanges - wait for user follow-up instead of over-explaining

# Conversation Flow
1. First interaction: Brief greeting (1-2 sentences), acknowledge document
2. For questions: Answer directly in 3-4 sentences max
3. For follow-ups: Build on context but still keep it brief
4. Never provide lengthy explanations - users can always ask for more details

# Safety & Escalation
- If asked to perform actions outside document analysis (like writing code, accessing external info), politely redirect to the document content
- If document contains sensitive/personal information, acknowledge it professionally without dwelling on it
- Stay focused on helping users understand THIS specific document`

// BuildInstructions derives the system instructions for a session. With a
// document, the title and full content are embedded in a fixed policy that
// keeps answers grounded in the document; without one a short generic
// instruction is used.
func BuildInstructions(p Params) string {
	if !p.HasDocument() {
		return genericInstructions
	}
	name := p.DocumentName
	if name == "" {
		name = DefaultDocumentName
	}

	var b strings.Builder
	b.Grow(len(documentPolicyHead) + len(documentPolicyTail) + len(name) + len(p.DocumentText) + 64)
	b.WriteString(documentPolicyHead)
	b.WriteString("DOCUMENT TITLE: ")
	b.WriteString(name)
	b.WriteString("\n\nDOCUMENT CONTENT:\n")
	b.WriteString(p.DocumentText)
	b.WriteString(documentPolicyTail)
	return b.String()
}

// ── session.update ─────────────────────────────────────────────────────────────

// Fixed voice-session parameters.
const (
	Voice              = "alloy"
	AudioFormat        = "pcm16"
	TranscriptionModel = "whisper-1"
	VADThreshold       = 0.5
	VADPrefixPaddingMs = 300
	VADSilenceMs       = 1000
)

// SessionUpdate is the single configuration message sent upstream before any
// client traffic.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// SessionConfig is the session object of a session.update event.
type SessionConfig struct {
	Instructions            string         `json:"instructions"`
	Modalities              []string       `json:"modalities"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
}

// Transcription enables upstream transcription of user audio.
type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// Modalities returns the upstream output capabilities for m.
func (m Modality) Modalities() []string {
	if m == ModalityVoice {
		return []string{"text", "audio"}
	}
	return []string{"text"}
}

// BuildSessionUpdate returns the configuration message for modality with the
// given instructions.
func BuildSessionUpdate(m Modality, instructions string) SessionUpdate {
	cfg := SessionConfig{
		Instructions: instructions,
		Modalities:   m.Modalities(),
	}
	if m == ModalityVoice {
		cfg.Voice = Voice
		cfg.InputAudioFormat = AudioFormat
		cfg.OutputAudioFormat = AudioFormat
		cfg.InputAudioTranscription = &Transcription{Model: TranscriptionModel}
		cfg.TurnDetection = &TurnDetection{
			Type:              "server_vad",
			Threshold:         VADThreshold,
			PrefixPaddingMs:   VADPrefixPaddingMs,
			SilenceDurationMs: VADSilenceMs,
		}
	}
	return SessionUpdate{Type: "session.update", Session: cfg}
}

// ── client-facing events ───────────────────────────────────────────────────────

// connectedEvent tells the client the upstream session is configured.
type connectedEvent struct {
	Type               string `json:"type"`
	Message            string `json:"message"`
	HasDocumentContext bool   `json:"hasDocumentContext"`
}

func newConnectedEvent(m Modality, hasDocument bool) connectedEvent {
	return connectedEvent{
		Type:               "connected",
		Message:            fmt.Sprintf("Connected to OpenAI Realtime API (%s)", m.label()),
		HasDocumentContext: hasDocument,
	}
}

// errorEvent is the single session-fatal error emission.
type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    Code   `json:"code"`
	Detail  string `json:"detail,omitempty"`
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal: %w", err)
	}
	return data, nil
}
