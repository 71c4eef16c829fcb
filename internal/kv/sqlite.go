package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_values (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_logs (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	key  TEXT NOT NULL,
	line BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS kv_logs_key ON kv_logs(key, id);
`

// SQLiteStore persists values and logs in a single SQLite file.
// Log order is the autoincrement id, so ReadLines returns lines in
// append order.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("kv: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: sqlite pragma: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_values WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: sqlite get %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_values (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("kv: sqlite set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, logKey string, line []byte) error {
	if err := ValidateKey(logKey); err != nil {
		return err
	}
	if err := validateLine(line); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO kv_logs (key, line) VALUES (?, ?)`, logKey, line); err != nil {
		return fmt.Errorf("kv: sqlite append %s: %w", logKey, err)
	}
	return nil
}

func (s *SQLiteStore) ReadLines(ctx context.Context, logKey string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM kv_logs WHERE key = ? ORDER BY id`, logKey)
	if err != nil {
		return nil, fmt.Errorf("kv: sqlite read %s: %w", logKey, err)
	}
	defer rows.Close()

	var lines [][]byte
	for rows.Next() {
		var l []byte
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("kv: sqlite scan: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *SQLiteStore) DropLog(ctx context.Context, logKey string) error {
	if err := validateDrop(logKey); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_logs WHERE key = ?`, logKey); err != nil {
		return fmt.Errorf("kv: sqlite drop %s: %w", logKey, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
