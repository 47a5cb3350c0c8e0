package fetcher

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// LedgerEntry records one completed download.
type LedgerEntry struct {
	URL       string
	Path      string
	SHA256    string
	ByteSize  int64
	FetchedAt time.Time
}

// Ledger is a local sqlite record of completed downloads, keyed by URL.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "fetcher: create ledger dir %s", dir)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open ledger %s", path)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS download (
			url        TEXT PRIMARY KEY,
			path       TEXT NOT NULL,
			sha256     TEXT NOT NULL,
			byte_size  INTEGER NOT NULL,
			fetched_at TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "fetcher: ensure ledger schema")
	}

	return &Ledger{db: db}, nil
}

// Close releases the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Lookup returns the entry for url, if any.
func (l *Ledger) Lookup(ctx context.Context, url string) (LedgerEntry, bool, error) {
	var e LedgerEntry
	var fetchedAt string
	err := l.db.QueryRowContext(ctx,
		"SELECT url, path, sha256, byte_size, fetched_at FROM download WHERE url = ?",
		url,
	).Scan(&e.URL, &e.Path, &e.SHA256, &e.ByteSize, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntry{}, false, nil
	}
	if err != nil {
		return LedgerEntry{}, false, eris.Wrap(err, "fetcher: ledger lookup")
	}
	if t, parseErr := time.Parse(time.RFC3339, fetchedAt); parseErr == nil {
		e.FetchedAt = t
	}
	return e, true, nil
}

// Record upserts a completed download.
func (l *Ledger) Record(ctx context.Context, e LedgerEntry) error {
	if e.FetchedAt.IsZero() {
		e.FetchedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO download (url, path, sha256, byte_size, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			path = excluded.path,
			sha256 = excluded.sha256,
			byte_size = excluded.byte_size,
			fetched_at = excluded.fetched_at
	`, e.URL, e.Path, e.SHA256, e.ByteSize, e.FetchedAt.Format(time.RFC3339))
	if err != nil {
		return eris.Wrap(err, "fetcher: ledger record")
	}
	return nil
}

// Delete removes the entry for url, if present.
func (l *Ledger) Delete(ctx context.Context, url string) error {
	if _, err := l.db.ExecContext(ctx, "DELETE FROM download WHERE url = ?", url); err != nil {
		return eris.Wrap(err, "fetcher: ledger delete")
	}
	return nil
}
