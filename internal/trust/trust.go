// Package trust learns per-operation confidence from recorded outcomes.
// Scores decay with a half-life so stale history loses influence, and a
// recent failure vetoes auto-approval regardless of score.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/opwarden/internal/kv"
)

// Config holds the scoring parameters.
type Config struct {
	HalfLife       time.Duration `yaml:"half_life"`
	FailureWeight  float64       `yaml:"failure_weight"`
	Threshold      float64       `yaml:"threshold"`
	RecentIncident time.Duration `yaml:"recent_incident"`
}

// DefaultConfig returns the production scoring parameters.
func DefaultConfig() Config {
	return Config{
		HalfLife:       30 * 24 * time.Hour,
		FailureWeight:  3,
		Threshold:      5,
		RecentIncident: 24 * time.Hour,
	}
}

// Entry is the outcome history for one key.
type Entry struct {
	Operation     string    `json:"operation"`
	Target        string    `json:"target,omitempty"`
	AgentID       string    `json:"agent_id,omitempty"`
	SuccessCount  int       `json:"success_count"`
	FailureCount  int       `json:"failure_count"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// decay returns 0.5^(elapsed/halfLife). A zero timestamp contributes nothing.
func decay(at, now time.Time, halfLife time.Duration) float64 {
	if at.IsZero() {
		return 0
	}
	elapsed := now.Sub(at)
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Pow(0.5, float64(elapsed)/float64(halfLife))
}

// WeightedScore derives the decayed score at now. It is never stored.
func (e Entry) WeightedScore(now time.Time, cfg Config) float64 {
	s := float64(e.SuccessCount) * decay(e.LastSuccessAt, now, cfg.HalfLife)
	f := cfg.FailureWeight * float64(e.FailureCount) * decay(e.LastFailureAt, now, cfg.HalfLife)
	return s - f
}

func key(op, target, agent string) string {
	return op + "|" + target + "|" + agent
}

// Scorer tracks trust entries persisted under kv.KeyTrustScores.
type Scorer struct {
	store  kv.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	loaded  bool
}

// NewScorer returns a Scorer. A nil logger uses slog.Default.
func NewScorer(store kv.Store, cfg Config, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
}

// SetClock overrides time.Now, for tests and simulations.
func (s *Scorer) SetClock(now func() time.Time) { s.now = now }

// load reads persisted entries once. Read failures leave the table empty,
// which only ever means "no trust". Caller holds mu.
func (s *Scorer) load(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true
	data, err := s.store.Get(ctx, kv.KeyTrustScores)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn("trust: load scores failed", "error", err)
		}
		return
	}
	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		s.logger.Warn("trust: parse scores failed", "error", err)
		return
	}
	for i := range list {
		e := list[i]
		s.entries[key(e.Operation, e.Target, e.AgentID)] = &e
	}
}

func (s *Scorer) persist(ctx context.Context) error {
	list := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, *e)
	}
	sort.Slice(list, func(i, j int) bool {
		return key(list[i].Operation, list[i].Target, list[i].AgentID) <
			key(list[j].Operation, list[j].Target, list[j].AgentID)
	})
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("trust: marshal scores: %w", err)
	}
	if err := s.store.Set(ctx, kv.KeyTrustScores, data); err != nil {
		return fmt.Errorf("trust: persist scores: %w", err)
	}
	return nil
}

// levels returns the keys an outcome updates, most specific first.
func levels(op, target, agent string) [][3]string {
	out := [][3]string{}
	if target != "" && agent != "" {
		out = append(out, [3]string{op, target, agent})
	}
	if target != "" {
		out = append(out, [3]string{op, target, ""})
	}
	out = append(out, [3]string{op, "", ""})
	return out
}

func (s *Scorer) record(ctx context.Context, op, target, agent string, success bool) error {
	if strings.TrimSpace(op) == "" {
		return fmt.Errorf("trust: operation must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)

	now := s.now().UTC()
	for _, lv := range levels(op, target, agent) {
		k := key(lv[0], lv[1], lv[2])
		e, ok := s.entries[k]
		if !ok {
			e = &Entry{Operation: lv[0], Target: lv[1], AgentID: lv[2]}
			s.entries[k] = e
		}
		if success {
			e.SuccessCount++
			e.LastSuccessAt = now
		} else {
			e.FailureCount++
			e.LastFailureAt = now
		}
	}
	return s.persist(ctx)
}

// RecordSuccess notes a successful execution at every applicable key level.
func (s *Scorer) RecordSuccess(ctx context.Context, op, target, agent string) error {
	return s.record(ctx, op, target, agent, true)
}

// RecordFailure notes a failed execution at every applicable key level.
func (s *Scorer) RecordFailure(ctx context.Context, op, target, agent string) error {
	return s.record(ctx, op, target, agent, false)
}

// Lookup returns the most specific entry for the key, falling back
// (op, target, agent) → (op, target) → (op).
func (s *Scorer) Lookup(ctx context.Context, op, target, agent string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)
	return s.lookupLocked(op, target, agent)
}

func (s *Scorer) lookupLocked(op, target, agent string) (Entry, bool) {
	candidates := [][3]string{{op, target, agent}, {op, target, ""}, {op, "", ""}}
	for _, c := range candidates {
		if e, ok := s.entries[key(c[0], c[1], c[2])]; ok {
			return *e, true
		}
	}
	return Entry{}, false
}

// Score returns the decayed score of the best matching entry.
func (s *Scorer) Score(ctx context.Context, op, target, agent string) (float64, bool) {
	e, ok := s.Lookup(ctx, op, target, agent)
	if !ok {
		return 0, false
	}
	return e.WeightedScore(s.now(), s.cfg), true
}

// ShouldAutoApprove reports whether history alone justifies skipping
// human approval. Unknown keys never auto-approve.
func (s *Scorer) ShouldAutoApprove(ctx context.Context, op, target, agent string) bool {
	e, ok := s.Lookup(ctx, op, target, agent)
	if !ok {
		return false
	}
	now := s.now()
	if !e.LastFailureAt.IsZero() && now.Sub(e.LastFailureAt) < s.cfg.RecentIncident {
		return false
	}
	return e.WeightedScore(now, s.cfg) >= s.cfg.Threshold
}

// List returns every entry sorted by key.
func (s *Scorer) List(ctx context.Context) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].Operation, out[i].Target, out[i].AgentID) <
			key(out[j].Operation, out[j].Target, out[j].AgentID)
	})
	return out
}
