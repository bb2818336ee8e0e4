package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Code identifies a session-fatal error reported to the client.
type Code string

const (
	CodeNoAPIKey      Code = "NO_API_KEY"
	CodeInvalidAPIKey Code = "INVALID_API_KEY"
	CodeRateLimit     Code = "RATE_LIMIT"
	CodeTimeout       Code = "TIMEOUT"
	CodeOpenAIError   Code = "OPENAI_ERROR"
)

// messages holds the user-facing text for each code. Raw error text is never
// shown to clients unless the relay runs with debug errors enabled.
var messages = map[Code]string{
	CodeNoAPIKey:      "OpenAI API key not provided. Please enter your API key to continue.",
	CodeInvalidAPIKey: "Invalid OpenAI API key. Please check your API key and try again.",
	CodeRateLimit:     "OpenAI rate limit exceeded. Please try again later.",
	CodeTimeout:       "Connection to OpenAI timed out. Please check your internet connection.",
	CodeOpenAIError:   "Failed to connect to OpenAI. Please try again.",
}

// invalidFormatMessage is used for INVALID_API_KEY raised by the local format
// check rather than by the upstream.
const invalidFormatMessage = `Invalid OpenAI API key format. API keys should start with "sk-".`

// Message returns the user-facing text for c.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return messages[CodeOpenAIError]
}

// IsCredential reports whether c is a local, pre-upstream credential error.
func (c Code) IsCredential() bool {
	return c == CodeNoAPIKey || c == CodeInvalidAPIKey
}

// Error is a session-fatal error. Use [errors.As] to recover the code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "relay: " + string(e.Code) + ": " + e.Err.Error()
	}
	return "relay: " + string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, err error) *Error {
	return &Error{Code: code, Message: code.Message(), Err: err}
}

// CheckCredential applies the local credential gate. It returns nil when the
// credential is present and carries [CredentialPrefix].
func CheckCredential(credential string) *Error {
	if credential == "" {
		return newError(CodeNoAPIKey, nil)
	}
	if !strings.HasPrefix(credential, CredentialPrefix) {
		e := newError(CodeInvalidAPIKey, nil)
		e.Message = invalidFormatMessage
		return e
	}
	return nil
}

// ClassifyUpstreamError maps an upstream failure onto the error taxonomy. The
// HTTP response of a failed handshake is checked first; otherwise the error
// text is inspected for authorization, rate-limit and timeout indicators.
// resp may be nil.
func ClassifyUpstreamError(err error, resp *http.Response) Code {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return CodeInvalidAPIKey
		case http.StatusTooManyRequests:
			return CodeRateLimit
		case http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return CodeTimeout
		}
	}
	if err == nil {
		return CodeOpenAIError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return CodeTimeout
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, strconv.Itoa(http.StatusUnauthorized)) || strings.Contains(lower, "unauthorized"):
		return CodeInvalidAPIKey
	case strings.Contains(msg, strconv.Itoa(http.StatusTooManyRequests)) || strings.Contains(lower, "rate limit"):
		return CodeRateLimit
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return CodeTimeout
	default:
		return CodeOpenAIError
	}
}
