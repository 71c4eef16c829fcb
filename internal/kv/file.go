package kv

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps one file per key under a directory. Values are written
// atomically (tmp + rename); logs are JSONL files opened for append.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("kv: create directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// DefaultDir returns the default state directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "opwarden")
	}
	return filepath.Join(home, ".opwarden", "state")
}

// Path returns the file that backs key. Used by the hot reloader to
// watch file-backed tables.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key)+".json")
}

func (s *FileStore) logPath(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key)+".jsonl")
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.Path(key), value)
}

func (s *FileStore) Append(_ context.Context, logKey string, line []byte) error {
	if err := ValidateKey(logKey); err != nil {
		return err
	}
	if err := validateLine(line); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.logPath(logKey)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("kv: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("kv: open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("kv: write log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("kv: sync log: %w", err)
	}
	return nil
}

func (s *FileStore) ReadLines(_ context.Context, logKey string) ([][]byte, error) {
	if err := ValidateKey(logKey); err != nil {
		return nil, err
	}
	f, err := os.Open(s.logPath(logKey))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv: open log: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("kv: scan log: %w", err)
	}
	return lines, nil
}

func (s *FileStore) DropLog(_ context.Context, logKey string) error {
	if err := validateDrop(logKey); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.logPath(logKey)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("kv: drop log %s: %w", logKey, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// writeAtomic writes data to a temp file then renames it into place.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("kv: create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("kv: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("kv: rename temp file: %w", err)
	}
	return nil
}
