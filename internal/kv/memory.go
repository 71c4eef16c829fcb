package kv

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store, used by tests and `opwarden check
// --ephemeral`.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	logs   map[string][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		logs:   make(map[string][][]byte),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Append(_ context.Context, logKey string, line []byte) error {
	if err := ValidateKey(logKey); err != nil {
		return err
	}
	if err := validateLine(line); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[logKey] = append(s.logs[logKey], append([]byte(nil), line...))
	return nil
}

func (s *MemoryStore) ReadLines(_ context.Context, logKey string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.logs[logKey]
	out := make([][]byte, len(src))
	for i, l := range src {
		out[i] = append([]byte(nil), l...)
	}
	return out, nil
}

func (s *MemoryStore) DropLog(_ context.Context, logKey string) error {
	if err := validateDrop(logKey); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, logKey)
	return nil
}

// ReplaceLines overwrites a log. Only tests use it, to simulate tampering.
func (s *MemoryStore) ReplaceLines(logKey string, lines [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[logKey] = lines
}

func (s *MemoryStore) Close() error { return nil }
