package youtube

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/cyohan21/ai-document/internal/observe"
	"github.com/cyohan21/ai-document/internal/resilience"
)

const (
	previewRunes = 500

	// maxRequestBytes bounds the JSON request body.
	maxRequestBytes = 64 << 10
)

// Handler serves POST /api/youtube/process.
type Handler struct {
	fetcher Fetcher
}

// NewHandler returns a handler backed by f.
func NewHandler(f Fetcher) *Handler {
	return &Handler{fetcher: f}
}

// Register adds the route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/youtube/process", h.Process)
}

type processRequest struct {
	URL string `json:"url"`
}

// Process fetches the transcript of the video named in the request body.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	// A malformed body is treated like a missing URL.
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "YouTube URL is required", nil)
		return
	}
	if !IsYouTubeURL(req.URL) {
		writeError(w, http.StatusBadRequest, "Invalid YouTube URL", nil)
		return
	}

	log := observe.Logger(r.Context())
	log.Info("youtube: processing", "url", req.URL)

	tr, err := h.fetcher.Fetch(r.Context(), req.URL)
	if err != nil {
		log.Warn("youtube: process failed", "url", req.URL, "err", err)
		status, msg := classify(err)
		writeError(w, status, msg, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "YouTube video processed successfully",
		"data": map[string]any{
			"transcript":        tr.Text,
			"metadata":          tr.Metadata,
			"transcriptLength":  utf8.RuneCountInString(tr.Text),
			"transcriptPreview": preview(tr.Text, previewRunes),
		},
	})
}

// classify maps a fetch error to a status and client-facing message.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNoTranscript):
		return http.StatusBadRequest, "No transcript available for this video"
	case errors.Is(err, ErrTooLong):
		return http.StatusBadRequest, "Video is too long"
	case errors.Is(err, ErrInvalidURL):
		return http.StatusBadRequest, "Invalid YouTube URL format"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "YouTube is temporarily unavailable"
	default:
		return http.StatusInternalServerError, "Failed to process YouTube video"
	}
}

func preview(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]string{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("youtube: encode response", "err", err)
	}
}
