package document

import (
	"context"
	"time"
)

// Entry is the catalog record of one stored document.
type Entry struct {
	PDFName      string
	TextName     string
	OriginalName string
	Size         int64
	PageCount    int
	TextLength   int
	Info         map[string]string
	Created      time.Time
}

// Catalog records document metadata.
type Catalog interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context) ([]Entry, error)
}

// FileCatalog derives the catalog from the storage directory itself. Record
// is a no-op because [Store.Save] already wrote everything List needs.
type FileCatalog struct {
	store *Store
}

var _ Catalog = (*FileCatalog)(nil)

// NewFileCatalog returns a catalog backed by store.
func NewFileCatalog(store *Store) *FileCatalog {
	return &FileCatalog{store: store}
}

// Record implements [Catalog].
func (c *FileCatalog) Record(context.Context, Entry) error { return nil }

// List implements [Catalog]. Created is the file modification time.
func (c *FileCatalog) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := c.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(files))
	for _, f := range files {
		out = append(out, Entry{
			PDFName:  f.Name,
			TextName: f.TextName,
			Size:     f.Size,
			Created:  f.Modified,
		})
	}
	return out, nil
}
