package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// exerciseStore runs the contract every backend must satisfy.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, KeyTrustScores, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, KeyTrustScores, []byte(`{"a":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.Get(ctx, KeyTrustScores)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"a":2}` {
		t.Fatalf("expected overwritten value, got %s", got)
	}

	lines, err := s.ReadLines(ctx, KeyAuditChain)
	if err != nil {
		t.Fatalf("read empty log: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected empty log, got %d lines", len(lines))
	}

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, KeyAuditChain, []byte(fmt.Sprintf(`{"seq":%d}`, i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	lines, err = s.ReadLines(ctx, KeyAuditChain)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	for i, l := range lines {
		if string(l) != fmt.Sprintf(`{"seq":%d}`, i) {
			t.Fatalf("line %d out of order: %s", i, l)
		}
	}

	if err := s.Append(ctx, KeyAuditChain, []byte("a\nb")); err == nil {
		t.Fatal("expected newline in line to be rejected")
	}
	if err := s.Set(ctx, "../escape", []byte("x")); err == nil {
		t.Fatal("expected traversal key to be rejected")
	}

	const segment = "operation-log/2026-01-01"
	if err := s.Append(ctx, segment, []byte(`{}`)); err != nil {
		t.Fatalf("append segment: %v", err)
	}
	ok, err := DropLog(ctx, s, segment)
	if !ok || err != nil {
		t.Fatalf("drop segment: supported=%v err=%v", ok, err)
	}
	if lines, _ := s.ReadLines(ctx, segment); len(lines) != 0 {
		t.Fatalf("expected dropped log to be empty, got %d lines", len(lines))
	}
	if _, err := DropLog(ctx, s, KeyAuditChain); !errors.Is(err, ErrAuditImmutable) {
		t.Fatalf("expected audit drop to be refused, got %v", err)
	}
	if lines, _ := s.ReadLines(ctx, KeyAuditChain); len(lines) != 5 {
		t.Fatalf("audit chain changed after refused drop: %d lines", len(lines))
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := OpenRedis(context.Background(), RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := OpenRedis(context.Background(), RedisOptions{Addr: addr}); err == nil {
		t.Fatal("expected ping failure")
	}
}

func TestFileStoreConcurrentAppend(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Append(ctx, KeyOperationLog, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		}(i)
	}
	wg.Wait()
	lines, err := s.ReadLines(ctx, KeyOperationLog)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 50 {
		t.Fatalf("expected 50 lines, got %d", len(lines))
	}
}

func TestRouterSendsAuditToDedicatedStore(t *testing.T) {
	ctx := context.Background()
	state := NewMemoryStore()
	audit := NewMemoryStore()
	r := NewRouter(state).Route(AuditNamespace, audit)

	if err := r.Append(ctx, KeyAuditChain, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := r.Set(ctx, KeyOverrides, []byte(`[]`)); err != nil {
		t.Fatal(err)
	}

	if lines, _ := audit.ReadLines(ctx, KeyAuditChain); len(lines) != 1 {
		t.Fatalf("expected audit line in audit store, got %d", len(lines))
	}
	if lines, _ := state.ReadLines(ctx, KeyAuditChain); len(lines) != 0 {
		t.Fatal("audit line leaked into state store")
	}
	if _, err := state.Get(ctx, KeyOverrides); err != nil {
		t.Fatalf("expected overrides in state store: %v", err)
	}
}

// TestPostgresStore runs against OPWARDEN_TEST_POSTGRES_URL when set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("OPWARDEN_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("OPWARDEN_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.db.Exec(ctx, `TRUNCATE opwarden_values, opwarden_logs`); err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s)
}

func TestOpenPostgresValidatesURL(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: BackendPostgres}); err == nil {
		t.Fatal("expected error for missing postgres url")
	}
	if _, err := OpenPostgres(context.Background(), "postgres://%zz"); err == nil {
		t.Fatal("expected error for malformed postgres url")
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "etcd"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpenRoutedSQLiteAudit(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := OpenRouted(ctx,
		Options{Backend: BackendFile, Dir: dir},
		&Options{Backend: BackendSQLite, SQLitePath: filepath.Join(dir, "audit.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)
}
