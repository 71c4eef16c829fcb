package taskspec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/opwarden/internal/audit"
	"github.com/ppiankov/opwarden/internal/kv"
)

// Auditor records lifecycle changes. *audit.Chain satisfies it.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// CreateRequest carries the parameters of a new spec.
type CreateRequest struct {
	SubjectID          string
	Title              string
	Constraints        Constraints
	MaxDurationMinutes int
	Permissions        []string
}

// Store persists specs under kv.KeyTaskSpecs.
type Store struct {
	store   kv.Store
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewStore returns a Store. auditor may be nil.
func NewStore(store kv.Store, auditor Auditor, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, auditor: auditor, logger: logger, now: time.Now}
}

// SetClock overrides time.Now, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) read(ctx context.Context) ([]Spec, error) {
	data, err := s.store.Get(ctx, kv.KeyTaskSpecs)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskspec: read: %w", err)
	}
	var list []Spec
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("taskspec: parse: %w", err)
	}
	return list, nil
}

func (s *Store) write(ctx context.Context, list []Spec) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("taskspec: marshal: %w", err)
	}
	if err := s.store.Set(ctx, kv.KeyTaskSpecs, data); err != nil {
		return fmt.Errorf("taskspec: write: %w", err)
	}
	return nil
}

func (s *Store) record(ctx context.Context, spec Spec, from Status, reason string) {
	if s.auditor == nil {
		return
	}
	_, err := s.auditor.Append(ctx, audit.Record{
		Event:   audit.EventTaskTransition,
		Result:  string(spec.Status),
		AgentID: spec.SubjectID,
		Reason:  reason,
		Metadata: map[string]string{
			"task_id": spec.ID,
			"from":    string(from),
			"title":   spec.Title,
		},
	})
	if err != nil {
		s.logger.Error("taskspec: audit append failed", "task_id", spec.ID, "error", err)
	}
}

// Create stores a new draft spec.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Spec, error) {
	if strings.TrimSpace(req.SubjectID) == "" {
		return nil, fmt.Errorf("taskspec: subject is required")
	}
	if req.MaxDurationMinutes < 0 || req.Constraints.MaxActions < 0 {
		return nil, fmt.Errorf("taskspec: limits must not be negative")
	}
	for _, p := range append(append([]string{}, req.Constraints.AllowedOperations...), req.Constraints.ForbiddenOperations...) {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("taskspec: empty operation pattern")
		}
	}

	s.mu.Lock()
	list, err := s.read(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	spec := Spec{
		ID:          "task-" + uuid.NewString(),
		SubjectID:   req.SubjectID,
		Title:       req.Title,
		Status:      StatusDraft,
		CreatedAt:   s.now().UTC(),
		Constraints: req.Constraints,
		TimeLimit:   TimeLimit{MaxDurationMinutes: req.MaxDurationMinutes},
		Permissions: req.Permissions,
	}
	if err := s.write(ctx, append(list, spec)); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.record(ctx, spec, "", "created")
	return &spec, nil
}

// transition moves spec id to status to. mutate runs before the write.
func (s *Store) transition(ctx context.Context, id string, to Status, reason string, mutate func(*Spec, time.Time)) (*Spec, error) {
	s.mu.Lock()
	list, err := s.read(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	idx := -1
	for i := range list {
		if list[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := list[idx].Status
	if !canTransition(from, to) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrTransition, from, to)
	}
	now := s.now().UTC()
	list[idx].Status = to
	if mutate != nil {
		mutate(&list[idx], now)
	}
	if err := s.write(ctx, list); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	spec := list[idx]
	s.mu.Unlock()

	s.record(ctx, spec, from, reason)
	return &spec, nil
}

// Activate starts the spec's clock.
func (s *Store) Activate(ctx context.Context, id string) (*Spec, error) {
	return s.transition(ctx, id, StatusActive, "activated", func(sp *Spec, now time.Time) {
		sp.TimeLimit.StartedAt = &now
		if sp.TimeLimit.MaxDurationMinutes > 0 {
			exp := now.Add(time.Duration(sp.TimeLimit.MaxDurationMinutes) * time.Minute)
			sp.TimeLimit.ExpiresAt = &exp
		}
	})
}

// Complete marks an active spec done.
func (s *Store) Complete(ctx context.Context, id string) (*Spec, error) {
	return s.transition(ctx, id, StatusCompleted, "completed", nil)
}

// Cancel abandons a draft or active spec.
func (s *Store) Cancel(ctx context.Context, id, reason string) (*Spec, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return s.transition(ctx, id, StatusCancelled, reason, nil)
}

// Get returns one spec.
func (s *Store) Get(ctx context.Context, id string) (*Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			sp := list[i]
			return &sp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns specs for subject, or all specs when subject is empty.
func (s *Store) List(ctx context.Context, subject string) ([]Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		return list, nil
	}
	out := []Spec{}
	for _, sp := range list {
		if sp.SubjectID == subject {
			out = append(out, sp)
		}
	}
	return out, nil
}

// ActiveFor returns the subject's specs that are active and unexpired.
func (s *Store) ActiveFor(ctx context.Context, subject string) ([]Spec, error) {
	list, err := s.List(ctx, subject)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := []Spec{}
	for _, sp := range list {
		if sp.SubjectID == subject && sp.ActiveAt(now) {
			out = append(out, sp)
		}
	}
	return out, nil
}

// RecordExecution appends an allowed operation to every active spec of
// the subject.
func (s *Store) RecordExecution(ctx context.Context, subject, opKey, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.read(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	changed := false
	for i := range list {
		if list[i].SubjectID != subject || !list[i].ActiveAt(now) {
			continue
		}
		list[i].ActionCount++
		list[i].ExecutionLog = append(list[i].ExecutionLog, Execution{At: now, Operation: opKey, Target: target})
		if n := len(list[i].ExecutionLog); n > maxExecutionLog {
			list[i].ExecutionLog = list[i].ExecutionLog[n-maxExecutionLog:]
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return s.write(ctx, list)
}

// SweepExpired moves active specs past their deadline to expired.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	list, err := s.read(ctx)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	now := s.now().UTC()
	var swept []Spec
	for i := range list {
		sp := &list[i]
		if sp.Status == StatusActive && sp.TimeLimit.ExpiresAt != nil && !now.Before(*sp.TimeLimit.ExpiresAt) {
			sp.Status = StatusExpired
			swept = append(swept, *sp)
		}
	}
	if len(swept) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	if err := s.write(ctx, list); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Unlock()

	for _, sp := range swept {
		s.record(ctx, sp, StatusActive, "time limit reached")
	}
	return len(swept), nil
}
