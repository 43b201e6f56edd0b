package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Timestamps are stored as unix nanoseconds so comparisons are numeric.
const schema = `
CREATE TABLE IF NOT EXISTS entries (
    key TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    sha256 TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    last_used INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_last_used ON entries(last_used);
`

// schemaVersion is kept in PRAGMA user_version. Older indexes are dropped
// and rebuilt on open; the blobs they described are simply fetched again.
const schemaVersion = 1

// Entry is one indexed download.
type Entry struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

// Index records cache entries in SQLite so they can be listed and pruned.
// Several processes may share one index.
type Index struct {
	db *sql.DB
}

// OpenIndex opens the index database at path.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode and a busy timeout let concurrent runs share the index
	dsn := "file:" + path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping cache index: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache index schema: %w", err)
	}
	return &Index{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	if version < schemaVersion {
		if _, err := db.Exec(`DROP TABLE IF EXISTS entries`); err != nil {
			return err
		}
	}
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	_, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion))
	return err
}

// Close closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}

// Put inserts or replaces an entry.
func (i *Index) Put(ctx context.Context, e Entry) error {
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO entries (key, url, size, sha256, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET last_used = excluded.last_used
	`, e.Key, e.URL, e.Size, e.SHA256, e.CreatedAt.UnixNano(), e.LastUsed.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record cache entry: %w", err)
	}
	return nil
}

// Touch marks an entry used at t.
func (i *Index) Touch(ctx context.Context, key string, t time.Time) error {
	_, err := i.db.ExecContext(ctx, `UPDATE entries SET last_used = ? WHERE key = ?`, t.UnixNano(), key)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (i *Index) Delete(ctx context.Context, key string) error {
	if _, err := i.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// List returns every entry, most recently used first.
func (i *Index) List(ctx context.Context) ([]Entry, error) {
	return i.query(ctx, `
		SELECT key, url, size, sha256, created_at, last_used
		FROM entries ORDER BY last_used DESC, key
	`)
}

// UnusedSince returns entries last used before cutoff.
func (i *Index) UnusedSince(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	return i.query(ctx, `
		SELECT key, url, size, sha256, created_at, last_used
		FROM entries WHERE last_used < ? ORDER BY last_used, key
	`, cutoff.UnixNano())
}

func (i *Index) query(ctx context.Context, q string, args ...interface{}) ([]Entry, error) {
	rows, err := i.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache index: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created, used int64
		if err := rows.Scan(&e.Key, &e.URL, &e.Size, &e.SHA256, &created, &used); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		e.LastUsed = time.Unix(0, used).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
