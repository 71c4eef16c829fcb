package kv

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Options selects a backend and its parameters.
type Options struct {
	Backend     string
	Dir         string
	SQLitePath  string
	PostgresURL string
	Redis       RedisOptions
}

// Open builds the Store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		dir := opts.Dir
		if dir == "" {
			dir = DefaultDir()
		}
		return NewFileStore(dir)
	case BackendSQLite:
		path := opts.SQLitePath
		if path == "" {
			dir := opts.Dir
			if dir == "" {
				dir = DefaultDir()
			}
			path = filepath.Join(dir, "opwarden.db")
		}
		return OpenSQLite(ctx, path)
	case BackendRedis:
		return OpenRedis(ctx, opts.Redis)
	case BackendPostgres:
		return OpenPostgres(ctx, opts.PostgresURL)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("kv: unknown backend %q", opts.Backend)
	}
}

// OpenRouted opens the state store and, when audit differs from it, a
// dedicated store for the audit namespace.
func OpenRouted(ctx context.Context, state Options, audit *Options) (Store, error) {
	def, err := Open(ctx, state)
	if err != nil {
		return nil, err
	}
	if audit == nil {
		return def, nil
	}
	as, err := Open(ctx, *audit)
	if err != nil {
		def.Close()
		return nil, fmt.Errorf("kv: audit store: %w", err)
	}
	return NewRouter(def).Route(AuditNamespace, as), nil
}
