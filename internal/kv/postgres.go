package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS opwarden_values (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS opwarden_logs (
	id   BIGSERIAL PRIMARY KEY,
	key  TEXT NOT NULL,
	line BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS opwarden_logs_key ON opwarden_logs(key, id);
`

var postgresPingTimeout = 3 * time.Second

// pgDB is the subset of *pgxpool.Pool the store uses.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore keeps values and logs in two tables. Log order is the
// bigserial id, so lines read back in append order.
type PostgresStore struct {
	db    pgDB
	close func()
}

// OpenPostgres connects to dsn, pings it and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("kv: postgres url is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: parse postgres url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("kv: connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	err = pool.Ping(pingCtx)
	cancel()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("kv: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kv: postgres schema: %w", err)
	}
	return &PostgresStore{db: pool, close: pool.Close}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(ctx, `SELECT value FROM opwarden_values WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: postgres get %s: %w", key, err)
	}
	return v, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO opwarden_values (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("kv: postgres set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, logKey string, line []byte) error {
	if err := ValidateKey(logKey); err != nil {
		return err
	}
	if err := validateLine(line); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `INSERT INTO opwarden_logs (key, line) VALUES ($1, $2)`, logKey, line); err != nil {
		return fmt.Errorf("kv: postgres append %s: %w", logKey, err)
	}
	return nil
}

func (s *PostgresStore) ReadLines(ctx context.Context, logKey string) ([][]byte, error) {
	rows, err := s.db.Query(ctx, `SELECT line FROM opwarden_logs WHERE key = $1 ORDER BY id`, logKey)
	if err != nil {
		return nil, fmt.Errorf("kv: postgres read %s: %w", logKey, err)
	}
	defer rows.Close()

	var lines [][]byte
	for rows.Next() {
		var l []byte
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("kv: postgres scan: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *PostgresStore) DropLog(ctx context.Context, logKey string) error {
	if err := validateDrop(logKey); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM opwarden_logs WHERE key = $1`, logKey); err != nil {
		return fmt.Errorf("kv: postgres drop %s: %w", logKey, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
