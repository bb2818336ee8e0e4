// Package postgres provides a PostgreSQL-backed [document.Catalog].
//
// The catalog holds one row per stored PDF in the documents table; [Migrate]
// creates it on connect. Usage:
//
//	cat, err := postgres.NewCatalog(ctx, dsn)
//	if err != nil { … }
//	defer cat.Close()
//
//	_ = cat.Record(ctx, entry)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyohan21/ai-document/internal/document"
)

var _ document.Catalog = (*Catalog)(nil)

const ddlDocuments = `
CREATE TABLE IF NOT EXISTS documents (
    pdf_name      TEXT         PRIMARY KEY,
    text_name     TEXT         NOT NULL DEFAULT '',
    original_name TEXT         NOT NULL DEFAULT '',
    size_bytes    BIGINT       NOT NULL DEFAULT 0,
    page_count    INTEGER      NOT NULL DEFAULT 0,
    text_length   INTEGER      NOT NULL DEFAULT 0,
    info          JSONB        NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_created_at
    ON documents (created_at DESC);
`

// Migrate creates the documents table if it does not exist. It is safe to
// call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlDocuments); err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	return nil
}

// Catalog stores document metadata in PostgreSQL. It is safe for concurrent
// use.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog connects to dsn, verifies the connection and runs [Migrate].
func NewCatalog(ctx context.Context, dsn string) (*Catalog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres catalog: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres catalog: %w", err)
	}
	return &Catalog{pool: pool}, nil
}

// Ping reports whether the database is reachable. Used as a readiness check.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (c *Catalog) Close() {
	c.pool.Close()
}

// Record implements [document.Catalog]. Re-recording a PDF name replaces the
// previous row.
func (c *Catalog) Record(ctx context.Context, e document.Entry) error {
	const q = `
		INSERT INTO documents
		    (pdf_name, text_name, original_name, size_bytes, page_count, text_length, info, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pdf_name) DO UPDATE SET
		    text_name     = EXCLUDED.text_name,
		    original_name = EXCLUDED.original_name,
		    size_bytes    = EXCLUDED.size_bytes,
		    page_count    = EXCLUDED.page_count,
		    text_length   = EXCLUDED.text_length,
		    info          = EXCLUDED.info,
		    created_at    = EXCLUDED.created_at`

	info := e.Info
	if info == nil {
		info = map[string]string{}
	}
	created := e.Created
	if created.IsZero() {
		created = time.Now()
	}
	_, err := c.pool.Exec(ctx, q,
		e.PDFName,
		e.TextName,
		e.OriginalName,
		e.Size,
		e.PageCount,
		e.TextLength,
		info,
		created,
	)
	if err != nil {
		return fmt.Errorf("postgres catalog: record %q: %w", e.PDFName, err)
	}
	return nil
}

// List implements [document.Catalog], newest first.
func (c *Catalog) List(ctx context.Context) ([]document.Entry, error) {
	const q = `
		SELECT pdf_name, text_name, original_name, size_bytes, page_count, text_length, info, created_at
		FROM   documents
		ORDER  BY created_at DESC`

	rows, err := c.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: list: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (document.Entry, error) {
		var e document.Entry
		err := row.Scan(&e.PDFName, &e.TextName, &e.OriginalName, &e.Size,
			&e.PageCount, &e.TextLength, &e.Info, &e.Created)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: list: %w", err)
	}
	return entries, nil
}
