// Package kv is the persistence contract every opwarden component writes
// through: whole-value get/set plus append-only line logs.
package kv

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNotFound is returned by Get when the key has never been set.
var ErrNotFound = errors.New("kv: key not found")

// Well-known keys.
const (
	KeyTimedPermissions = "timed-permissions"
	KeyTaskSpecs        = "task-specs"
	KeyOverrides        = "operation-overrides"
	KeyTrustScores      = "trust-scores"
	KeyAnomalyEvents    = "anomaly-events"
	KeyBaseline         = "behavioral-baseline"
	KeySystemHalt       = "system-halt"
	KeyOperationLog     = "operation-log"
	KeyAuditChain       = "audit/chain"
	AuditNamespace      = "audit/"
)

// Store is a minimal key-value store with append-only logs.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Append(ctx context.Context, logKey string, line []byte) error
	ReadLines(ctx context.Context, logKey string) ([][]byte, error)
	Close() error
}

// LogDropper is implemented by stores that can delete a whole log.
// Rolling logs use it to discard old segments. Audit logs can never be
// dropped.
type LogDropper interface {
	DropLog(ctx context.Context, logKey string) error
}

// ErrAuditImmutable is returned when a caller tries to drop an audit log.
var ErrAuditImmutable = errors.New("kv: audit logs cannot be dropped")

// DropLog deletes logKey if s supports it. It reports false when the
// store cannot drop logs.
func DropLog(ctx context.Context, s Store, logKey string) (bool, error) {
	d, ok := s.(LogDropper)
	if !ok {
		return false, nil
	}
	return true, d.DropLog(ctx, logKey)
}

func validateDrop(logKey string) error {
	if strings.HasPrefix(logKey, AuditNamespace) {
		return ErrAuditImmutable
	}
	return ValidateKey(logKey)
}

// validSegment matches alphanumeric, dash, underscore, and dot characters only.
var validSegment = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateKey rejects keys that could escape a file-backed store.
// Keys are slash-separated segments.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("kv: key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("kv: key must not contain '..'")
	}
	for _, seg := range strings.Split(key, "/") {
		if !validSegment.MatchString(seg) {
			return fmt.Errorf("kv: key %q contains invalid characters", key)
		}
	}
	return nil
}

// validateLine rejects lines that would split into two log records.
func validateLine(line []byte) error {
	for _, b := range line {
		if b == '\n' {
			return fmt.Errorf("kv: log line must not contain a newline")
		}
	}
	return nil
}
