// Package halt is the operator kill switch. While halted, every
// operation is refused regardless of overrides, grants or trust.
package halt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/opwarden/internal/audit"
	"github.com/ppiankov/opwarden/internal/kv"
)

// State is the persisted switch.
type State struct {
	Halted bool       `json:"halted"`
	By     string     `json:"by,omitempty"`
	Reason string     `json:"reason,omitempty"`
	At     *time.Time `json:"at,omitempty"`
}

// Auditor records switch flips. *audit.Chain satisfies it.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// Switch owns the halt state.
type Switch struct {
	store   kv.Store
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time
	notify  func(State)

	mu     sync.Mutex
	loaded bool
	state  State
}

// NewSwitch creates a switch backed by store.
func NewSwitch(store kv.Store, auditor Auditor, logger *slog.Logger) *Switch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{store: store, auditor: auditor, logger: logger, now: time.Now}
}

// SetClock overrides time.Now, for tests.
func (s *Switch) SetClock(now func() time.Time) { s.now = now }

// OnChange registers a callback run after every flip.
func (s *Switch) OnChange(fn func(State)) { s.notify = fn }

// loadLocked reads persisted state until one read succeeds.
func (s *Switch) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	data, err := s.store.Get(ctx, kv.KeySystemHalt)
	if errors.Is(err, kv.ErrNotFound) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("halt: read: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("halt: parse: %w", err)
	}
	s.state = st
	s.loaded = true
	return nil
}

// Status returns the current state. When the state cannot be read the
// switch reports halted: an unreadable kill switch must not read as off.
func (s *Switch) Status(ctx context.Context) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		s.logger.Error("halt: state unreadable, failing closed", "error", err)
		return State{Halted: true, Reason: "halt state unreadable"}
	}
	return s.state
}

// IsHalted reports whether operations must be refused.
func (s *Switch) IsHalted(ctx context.Context) bool {
	return s.Status(ctx).Halted
}

func (s *Switch) set(ctx context.Context, st State, event string) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("halt: marshal: %w", err)
	}
	s.mu.Lock()
	if err := s.store.Set(ctx, kv.KeySystemHalt, data); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("halt: write: %w", err)
	}
	s.state = st
	s.loaded = true
	s.mu.Unlock()

	if s.auditor != nil {
		result := "halted"
		if !st.Halted {
			result = "resumed"
		}
		if _, err := s.auditor.Append(ctx, audit.Record{Event: event, Result: result, UserID: st.By, Reason: st.Reason}); err != nil {
			s.logger.Error("halt: audit append failed", "event", event, "error", err)
		}
	}
	if s.notify != nil {
		s.notify(st)
	}
	return nil
}

// Halt sets the switch. Halting an already halted system updates who
// and why.
func (s *Switch) Halt(ctx context.Context, by, reason string) error {
	if strings.TrimSpace(by) == "" {
		return fmt.Errorf("halt: operator is required")
	}
	now := s.now().UTC()
	if err := s.set(ctx, State{Halted: true, By: by, Reason: reason, At: &now}, audit.EventHalt); err != nil {
		return err
	}
	s.logger.Warn("system halted", "by", by, "reason", reason)
	return nil
}

// Resume clears the switch. Returns false when it was not set.
func (s *Switch) Resume(ctx context.Context, by string) (bool, error) {
	if strings.TrimSpace(by) == "" {
		return false, fmt.Errorf("halt: operator is required")
	}
	s.mu.Lock()
	err := s.loadLocked(ctx)
	halted := s.state.Halted
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	if !halted {
		return false, nil
	}
	now := s.now().UTC()
	if err := s.set(ctx, State{Halted: false, By: by, At: &now}, audit.EventResume); err != nil {
		return false, err
	}
	s.logger.Info("system resumed", "by", by)
	return true, nil
}
