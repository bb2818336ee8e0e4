package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/cyohan21/ai-document/internal/observe"
)

const (
	// DefaultMaxUploadBytes caps a single PDF upload.
	DefaultMaxUploadBytes = 25 << 20

	// previewRunes is the length of the text preview returned on upload.
	previewRunes = 500

	pdfContentType = "application/pdf"
)

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithMaxUploadBytes overrides [DefaultMaxUploadBytes].
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

// Handler serves the /api/pdf routes.
type Handler struct {
	extractor Extractor
	store     *Store
	catalog   Catalog
	maxBytes  int64
	metrics   *observe.Metrics
}

// NewHandler wires the document routes. catalog may be nil, in which case a
// [FileCatalog] over store is used.
func NewHandler(extractor Extractor, store *Store, catalog Catalog, opts ...HandlerOption) *Handler {
	if catalog == nil {
		catalog = NewFileCatalog(store)
	}
	h := &Handler{
		extractor: extractor,
		store:     store,
		catalog:   catalog,
		maxBytes:  DefaultMaxUploadBytes,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the document routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/pdf/extract", h.Extract)
	mux.HandleFunc("POST /api/pdf/upload", h.Upload)
	mux.HandleFunc("GET /api/pdf/view/{filename}", h.View)
	mux.HandleFunc("GET /api/pdf/text/{filename}", h.Text)
	mux.HandleFunc("GET /api/pdf/list", h.List)
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// Extract returns the text of an uploaded PDF without storing anything.
func (h *Handler) Extract(w http.ResponseWriter, r *http.Request) {
	data, _, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	res, ok := h.extract(w, r, data, "Failed to extract PDF text")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "PDF text extracted successfully",
		"data": map[string]any{
			"text":     res.Text,
			"numPages": res.PageCount,
			"info":     res.Info,
		},
	})
}

// Upload stores an uploaded PDF together with its extracted text.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	data, hdr, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	res, ok := h.extract(w, r, data, "Failed to extract PDF content")
	if !ok {
		return
	}

	log := observe.Logger(r.Context())
	stored, err := h.store.Save(hdr.Filename, data, res.Text)
	if err != nil {
		log.Error("document: save failed", "file", hdr.Filename, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to store PDF", err)
		return
	}

	textLength := utf8.RuneCountInString(res.Text)
	entry := Entry{
		PDFName:      stored.PDFName,
		TextName:     stored.TextName,
		OriginalName: hdr.Filename,
		Size:         int64(len(data)),
		PageCount:    res.PageCount,
		TextLength:   textLength,
		Info:         res.Info,
		Created:      time.Now(),
	}
	if err := h.catalog.Record(r.Context(), entry); err != nil {
		// The files are on disk; the catalog can be rebuilt from them.
		log.Warn("document: catalog record failed", "file", stored.PDFName, "err", err)
	}
	h.metrics.RecordDocument(r.Context(), "pdf")
	log.Info("document: stored", "pdf", stored.PDFName, "pages", res.PageCount, "chars", textLength)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "PDF extracted successfully",
		"data": map[string]any{
			"pdfFileName":  stored.PDFName,
			"textFileName": stored.TextName,
			"numPages":     res.PageCount,
			"textPreview":  preview(res.Text, previewRunes),
			"textLength":   textLength,
			"info":         res.Info,
		},
	})
}

// View streams a stored PDF inline.
func (h *Handler) View(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	f, err := h.store.OpenPDF(name)
	switch {
	case errors.Is(err, ErrInvalidName):
		writeError(w, http.StatusBadRequest, "Invalid file name", nil)
		return
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "PDF file not found", nil)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to serve PDF", err)
		return
	}
	defer f.Close()

	var modTime time.Time
	if info, err := f.Stat(); err == nil {
		modTime = info.ModTime()
	}
	w.Header().Set("Content-Type", pdfContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	http.ServeContent(w, r, name, modTime, f)
}

// Text returns stored extracted text, as JSON or with ?download=true as
// plain text.
func (h *Handler) Text(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	content, err := h.store.ReadText(name)
	switch {
	case errors.Is(err, ErrInvalidName):
		writeError(w, http.StatusBadRequest, "Invalid file name", nil)
		return
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Text file not found", nil)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to read extracted text", err)
		return
	}

	if r.URL.Query().Get("download") == "true" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
		_, _ = io.WriteString(w, content)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"filename": name,
			"content":  content,
			"length":   utf8.RuneCountInString(content),
		},
	})
}

// listItem is one element of the list response.
type listItem struct {
	Filename     string            `json:"filename"`
	OriginalName string            `json:"originalName,omitempty"`
	Size         int64             `json:"size"`
	Created      time.Time         `json:"created"`
	NumPages     int               `json:"numPages,omitempty"`
	TextFile     *string           `json:"textFile"`
	Info         map[string]string `json:"info,omitempty"`
}

// List returns the catalog, newest first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.catalog.List(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Error("document: list failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to list PDFs", err)
		return
	}
	items := make([]listItem, 0, len(entries))
	for _, e := range entries {
		item := listItem{
			Filename:     e.PDFName,
			OriginalName: e.OriginalName,
			Size:         e.Size,
			Created:      e.Created,
			NumPages:     e.PageCount,
			Info:         e.Info,
		}
		if e.TextName != "" {
			item.TextFile = &e.TextName
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": items})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// readUpload reads the "file" part of a multipart upload, enforcing the size
// limit and content type. On failure the response has been written.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, *multipart.FileHeader, bool) {
	tooLarge := fmt.Sprintf("File size exceeds %dMB limit", h.maxBytes>>20)

	// Leave headroom for the multipart envelope; the part itself is checked
	// exactly below.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusBadRequest, tooLarge, nil)
			return nil, nil, false
		}
		writeError(w, http.StatusBadRequest, "No file provided", nil)
		return nil, nil, false
	}
	defer file.Close()

	if hdr.Header.Get("Content-Type") != pdfContentType {
		writeError(w, http.StatusBadRequest, "File must be a PDF", nil)
		return nil, nil, false
	}
	if hdr.Size > h.maxBytes {
		writeError(w, http.StatusBadRequest, tooLarge, nil)
		return nil, nil, false
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload", err)
		return nil, nil, false
	}
	if int64(len(data)) > h.maxBytes {
		writeError(w, http.StatusBadRequest, tooLarge, nil)
		return nil, nil, false
	}
	return data, hdr, true
}

// extract runs the extractor and records its latency. On failure the
// response has been written.
func (h *Handler) extract(w http.ResponseWriter, r *http.Request, data []byte, failMsg string) (Result, bool) {
	start := time.Now()
	res, err := h.extractor.Extract(r.Context(), bytes.NewReader(data), int64(len(data)))
	h.metrics.ExtractionDuration.Record(r.Context(), time.Since(start).Seconds())
	if err != nil {
		observe.Logger(r.Context()).Warn("document: extraction failed", "bytes", len(data), "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, ErrExtraction) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, failMsg, err)
		return Result{}, false
	}
	return res, true
}

// preview returns at most n runes of s.
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

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("document: encode response", "err", err)
	}
}
