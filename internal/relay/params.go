package relay

import (
	"net/http"
	"strings"
)

// Modality selects the capabilities negotiated with the upstream. It is fixed
// when the session is created.
type Modality int

const (
	ModalityText Modality = iota
	ModalityVoice
)

// String returns "text" or "voice".
func (m Modality) String() string {
	if m == ModalityVoice {
		return "voice"
	}
	return "text"
}

// label is the human-readable mode name shown to clients.
func (m Modality) label() string {
	if m == ModalityVoice {
		return "Voice Chat"
	}
	return "Text Chat"
}

// CredentialPrefix is the literal every upstream API key starts with.
const CredentialPrefix = "sk-"

// DefaultDocumentName is used when a client supplies document text without a
// title.
const DefaultDocumentName = "Unknown Document"

// Params are the per-connection inputs a client supplies in the upgrade
// request. They are never persisted beyond the session.
type Params struct {
	Credential   string
	DocumentName string
	DocumentText string
}

// ParamsFromRequest reads apiKey, documentName and documentText from the
// request query.
func ParamsFromRequest(r *http.Request) Params {
	q := r.URL.Query()
	p := Params{
		Credential:   q.Get("apiKey"),
		DocumentName: q.Get("documentName"),
		DocumentText: q.Get("documentText"),
	}
	if p.DocumentName == "" {
		p.DocumentName = DefaultDocumentName
	}
	return p
}

// HasDocument reports whether document context was supplied.
func (p Params) HasDocument() bool { return p.DocumentText != "" }

// Redact returns a log-safe form of a credential: its first eight characters
// followed by an ellipsis.
func Redact(credential string) string {
	if credential == "" {
		return ""
	}
	const keep = 8
	if len(credential) <= keep {
		return strings.Repeat("*", len(credential))
	}
	return credential[:keep] + "..."
}
