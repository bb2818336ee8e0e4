// Package document turns uploaded PDFs into plain text that can be embedded
// into chat sessions, and keeps both on disk.
//
// The pieces are independent: an [Extractor] produces text from PDF bytes, a
// [Store] persists the PDF and its text under a storage root, a [Catalog]
// records metadata, and [Handler] exposes all of it over HTTP.
package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrExtraction is wrapped by every error caused by unreadable input.
var ErrExtraction = errors.New("document: extraction failed")

// Result is the outcome of a successful extraction.
type Result struct {
	Text      string
	PageCount int
	Info      map[string]string
}

// Extractor turns document bytes into text.
type Extractor interface {
	// Extract reads size bytes from r. Malformed input yields an error
	// wrapping [ErrExtraction].
	Extract(ctx context.Context, r io.ReaderAt, size int64) (Result, error)
}

// pageSeparator joins the text of consecutive pages.
const pageSeparator = "\n\n"

// PDFExtractor extracts plain text from PDF documents.
type PDFExtractor struct{}

var _ Extractor = PDFExtractor{}

// Extract implements [Extractor]. Pages without a content stream contribute
// nothing; the document info dictionary is flattened into Info.
func (PDFExtractor) Extract(ctx context.Context, r io.ReaderAt, size int64) (res Result, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if p := recover(); p != nil {
			res = Result{}
			err = fmt.Errorf("%w: %v", ErrExtraction, p)
		}
	}()

	rd, err := pdf.NewReader(r, size)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	n := rd.NumPage()
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		p := rd.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return Result{}, fmt.Errorf("%w: page %d: %w", ErrExtraction, i, err)
		}
		pages = append(pages, strings.TrimSpace(text))
	}

	return Result{
		Text:      strings.Join(pages, pageSeparator),
		PageCount: n,
		Info:      infoDict(rd.Trailer().Key("Info")),
	}, nil
}

// infoDict flattens the scalar entries of a PDF info dictionary.
func infoDict(v pdf.Value) map[string]string {
	info := make(map[string]string)
	if v.Kind() != pdf.Dict {
		return info
	}
	for _, k := range v.Keys() {
		e := v.Key(k)
		switch e.Kind() {
		case pdf.String:
			if s := e.Text(); s != "" {
				info[k] = s
			}
		case pdf.Name:
			info[k] = e.Name()
		case pdf.Integer:
			info[k] = strconv.FormatInt(e.Int64(), 10)
		case pdf.Bool:
			info[k] = strconv.FormatBool(e.Bool())
		}
	}
	return info
}
