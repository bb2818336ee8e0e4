package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyohan21/ai-document/internal/document"
	"github.com/cyohan21/ai-document/internal/document/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if DOCCHAT_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("DOCCHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DOCCHAT_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestCatalog creates a catalog over a freshly dropped documents table.
func newTestCatalog(t *testing.T) *postgres.Catalog {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS documents CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	cat, err := postgres.NewCatalog(ctx, dsn)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	t.Cleanup(cat.Close)
	return cat
}

func TestCatalog_RecordAndList(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"a-1.pdf", "b-2.pdf"} {
		err := cat.Record(ctx, document.Entry{
			PDFName:      name,
			TextName:     name[:len(name)-4] + ".txt",
			OriginalName: name,
			Size:         int64(100 * (i + 1)),
			PageCount:    i + 1,
			TextLength:   10,
			Info:         map[string]string{"Title": name},
			Created:      base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("Record(%s): %v", name, err)
		}
	}

	got, err := cat.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d; want 2", len(got))
	}
	if got[0].PDFName != "b-2.pdf" {
		t.Errorf("first = %q; want newest first", got[0].PDFName)
	}
	if got[0].Info["Title"] != "b-2.pdf" || got[0].PageCount != 2 {
		t.Errorf("entry = %+v", got[0])
	}
}

func TestCatalog_RecordUpserts(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	e := document.Entry{PDFName: "x-1.pdf", PageCount: 1}
	if err := cat.Record(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.PageCount = 7
	if err := cat.Record(ctx, e); err != nil {
		t.Fatal(err)
	}
	got, err := cat.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PageCount != 7 {
		t.Errorf("entries = %+v; want one row with 7 pages", got)
	}
	if err := cat.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
