package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend is the durable Backend implementation: a single namespaced
// kv table over database/sql + mattn/go-sqlite3, WAL journal mode, and a
// single-writer connection pool, mirroring the teacher's storage.New setup.
type SQLiteBackend struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the SQLite-backed store at path, creating parent
// directories as needed.
func Open(path string) (*SQLiteBackend, error) {
	expanded := expandPath(path)
	if dir := filepath.Dir(expanded); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", expanded+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite supports exactly one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	b := &SQLiteBackend{db: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_namespace_key ON kv(namespace, key);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return err
	}
	return b.runMigrations()
}

// runMigrations applies best-effort ALTER TABLE statements for databases
// created by an earlier schema version. Errors are ignored: the column may
// already exist.
func (b *SQLiteBackend) runMigrations() error {
	migrations := []string{
		"ALTER TABLE kv ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0",
	}
	for _, m := range migrations {
		_, _ = b.db.Exec(m)
	}
	return nil
}

func (b *SQLiteBackend) Get(namespace, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var value []byte
	err := b.db.QueryRow(`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

func (b *SQLiteBackend) Put(namespace, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.Exec(`
		INSERT INTO kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, namespace, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (b *SQLiteBackend) Scan(namespace, prefix string) ([]KV, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rows, err := b.db.Query(`
		SELECT key, value FROM kv
		WHERE namespace = ? AND key >= ? AND key < ?
		ORDER BY key ASC
	`, namespace, prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, fmt.Errorf("scan %s/%s*: %w", namespace, prefix, err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.Exec(`PRAGMA wal_checkpoint(FULL)`)
	return err
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// prefixUpperBound returns the lexicographically smallest key strictly
// greater than every key that has prefix as a prefix, letting the range
// scan run as a plain index range rather than a LIKE scan.
func prefixUpperBound(prefix string) string {
	if prefix == "" {
		// Highest printable byte run; in practice namespaces never contain
		// \xff, so this bounds the scan to "everything".
		return strings.Repeat("\xff", 64)
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return strings.Repeat("\xff", 64)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
