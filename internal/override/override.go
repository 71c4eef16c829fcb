// Package override holds operator-set per-operation exceptions and the
// precedence rules for picking the one that applies to a request.
package override

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/opwarden/internal/kv"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("override: invalid")

// Action is what an override does to the normal approval flow.
type Action string

const (
	ActionAllow Action = "allow" // relax approval levels 1-2 to automatic
	ActionBlock Action = "block" // deny with the override's reason
	ActionAsk   Action = "ask"   // force human approval
)

// Scope limits an override to one agent or applies it globally.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeAgent  Scope = "agent"
)

// Override is one operator exception.
type Override struct {
	Operation string     `json:"operation" yaml:"operation"`
	Target    string     `json:"target,omitempty" yaml:"target,omitempty"`
	Scope     Scope      `json:"scope" yaml:"scope"`
	AgentID   string     `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Action    Action     `json:"action" yaml:"action"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Validate checks the variant is well formed.
func (o Override) Validate() error {
	if o.Operation == "" {
		return fmt.Errorf("%w: operation is required", ErrInvalid)
	}
	switch o.Action {
	case ActionAllow, ActionAsk:
	case ActionBlock:
		if o.Reason == "" {
			return fmt.Errorf("%w: block override needs a reason", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalid, o.Action)
	}
	switch o.Scope {
	case ScopeGlobal:
		if o.AgentID != "" {
			return fmt.Errorf("%w: global override must not name an agent", ErrInvalid)
		}
	case ScopeAgent:
		if o.AgentID == "" {
			return fmt.Errorf("%w: agent override needs agent_id", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalid, o.Scope)
	}
	return nil
}

// Expired reports whether the override has lapsed at now.
func (o Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

func (o Override) sameSlot(other Override) bool {
	return o.Operation == other.Operation && o.Target == other.Target &&
		o.Scope == other.Scope && o.AgentID == other.AgentID
}

// Resolver stores overrides under kv.KeyOverrides.
type Resolver struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewResolver returns a Resolver. A nil logger uses slog.Default.
func NewResolver(store kv.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger, now: time.Now}
}

// SetClock overrides time.Now, for tests.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

func (r *Resolver) read(ctx context.Context) ([]Override, error) {
	data, err := r.store.Get(ctx, kv.KeyOverrides)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("override: read: %w", err)
	}
	var list []Override
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("override: parse: %w", err)
	}
	return list, nil
}

func (r *Resolver) write(ctx context.Context, list []Override) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("override: marshal: %w", err)
	}
	if err := r.store.Set(ctx, kv.KeyOverrides, data); err != nil {
		return fmt.Errorf("override: write: %w", err)
	}
	return nil
}

// List returns every stored override, including expired ones.
func (r *Resolver) List(ctx context.Context) ([]Override, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(ctx)
}

// Add validates and stores o, replacing any override in the same slot
// (operation, target, scope, agent).
func (r *Resolver) Add(ctx context.Context, o Override) error {
	if err := o.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := r.read(ctx)
	if err != nil {
		return err
	}
	out := list[:0]
	for _, existing := range list {
		if !existing.sameSlot(o) {
			out = append(out, existing)
		}
	}
	return r.write(ctx, append(out, o))
}

// Replace validates every entry and stores the whole set.
func (r *Resolver) Replace(ctx context.Context, list []Override) error {
	for i, o := range list {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write(ctx, list)
}

// Remove deletes the override in the given slot. Returns false if none matched.
func (r *Resolver) Remove(ctx context.Context, operation, target string, scope Scope, agentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := r.read(ctx)
	if err != nil {
		return false, err
	}
	slot := Override{Operation: operation, Target: target, Scope: scope, AgentID: agentID}
	out := list[:0]
	removed := false
	for _, o := range list {
		if o.sameSlot(slot) {
			removed = true
			continue
		}
		out = append(out, o)
	}
	if !removed {
		return false, nil
	}
	return true, r.write(ctx, out)
}

// Resolve returns the override that applies, or nil. Expired entries are
// skipped. Precedence:
//  1. operation + target, scoped to this agent
//  2. operation + target, global
//  3. operation only, global
//  4. operation only, scoped to this agent
//
// Storage errors resolve to nil.
func (r *Resolver) Resolve(ctx context.Context, operation, target, agentID string) *Override {
	r.mu.Lock()
	list, err := r.read(ctx)
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("override: resolve read failed", "error", err)
		return nil
	}
	return pick(list, operation, target, agentID, r.now())
}

func pick(list []Override, operation, target, agentID string, now time.Time) *Override {
	rank := func(o Override) int {
		if o.Operation != operation || o.Expired(now) {
			return 0
		}
		switch {
		case o.Target != "" && o.Target == target && o.Scope == ScopeAgent && agentID != "" && o.AgentID == agentID:
			return 4
		case o.Target != "" && o.Target == target && o.Scope == ScopeGlobal:
			return 3
		case o.Target == "" && o.Scope == ScopeGlobal:
			return 2
		case o.Target == "" && o.Scope == ScopeAgent && agentID != "" && o.AgentID == agentID:
			return 1
		}
		return 0
	}

	var best *Override
	bestRank := 0
	for i := range list {
		if r := rank(list[i]); r > bestRank {
			bestRank = r
			o := list[i]
			best = &o
		}
	}
	return best
}
