// Package permission is the ledger of time-boxed grants that let a
// subject run an operation without fresh human approval.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/opwarden/internal/audit"
	"github.com/ppiankov/opwarden/internal/kv"
)

// ErrNotFound is returned when a grant id does not exist.
var ErrNotFound = errors.New("permission: not found")

const (
	// DefaultDuration is used when Grant is called with a zero duration.
	DefaultDuration = time.Hour
	// MaxDuration caps how long a single grant may live.
	MaxDuration = 30 * 24 * time.Hour

	reasonMaxUses = "Max uses reached"
	reasonExpired = "Expired"
)

// TimedPermission is one grant. Revoked is set at most once.
type TimedPermission struct {
	ID            string     `json:"id"`
	SubjectID     string     `json:"subject_id"`
	Operation     string     `json:"operation"`
	Target        string     `json:"target,omitempty"`
	GrantedAt     time.Time  `json:"granted_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	GrantedBy     string     `json:"granted_by"`
	Reason        string     `json:"reason"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	UsageCount    int        `json:"usage_count"`
	MaxUses       int        `json:"max_uses,omitempty"`
}

// Usable reports whether the grant can still be consumed at now.
func (p TimedPermission) Usable(now time.Time) bool {
	if p.Revoked || !now.Before(p.ExpiresAt) {
		return false
	}
	return p.MaxUses == 0 || p.UsageCount < p.MaxUses
}

// Covers reports whether the grant applies to op on target. An empty
// grant target covers every target.
func (p TimedPermission) Covers(subject, op, target string) bool {
	if p.SubjectID != subject || p.Operation != op {
		return false
	}
	return p.Target == "" || p.Target == target
}

// Auditor records ledger changes. *audit.Chain satisfies it.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// GrantRequest carries the parameters of a new grant.
type GrantRequest struct {
	SubjectID string
	Operation string
	Target    string
	Duration  time.Duration
	GrantedBy string
	Reason    string
	MaxUses   int
}

// Ledger stores grants under kv.KeyTimedPermissions.
type Ledger struct {
	store   kv.Store
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewLedger returns a Ledger. auditor may be nil.
func NewLedger(store kv.Store, auditor Auditor, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, auditor: auditor, logger: logger, now: time.Now}
}

// SetClock overrides time.Now, for tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

func (l *Ledger) read(ctx context.Context) ([]TimedPermission, error) {
	data, err := l.store.Get(ctx, kv.KeyTimedPermissions)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("permission: read: %w", err)
	}
	var list []TimedPermission
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("permission: parse: %w", err)
	}
	return list, nil
}

func (l *Ledger) write(ctx context.Context, list []TimedPermission) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("permission: marshal: %w", err)
	}
	if err := l.store.Set(ctx, kv.KeyTimedPermissions, data); err != nil {
		return fmt.Errorf("permission: write: %w", err)
	}
	return nil
}

func (l *Ledger) record(ctx context.Context, event, result string, p TimedPermission, reason string) {
	if l.auditor == nil {
		return
	}
	_, err := l.auditor.Append(ctx, audit.Record{
		Event:     event,
		Result:    result,
		Operation: p.Operation,
		Target:    p.Target,
		AgentID:   p.SubjectID,
		UserID:    p.GrantedBy,
		Reason:    reason,
		Metadata: map[string]string{
			"permission_id": p.ID,
			"usage_count":   strconv.Itoa(p.UsageCount),
			"max_uses":      strconv.Itoa(p.MaxUses),
		},
	})
	if err != nil {
		l.logger.Error("permission: audit append failed", "event", event, "id", p.ID, "error", err)
	}
}

// Grant creates a new grant.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (*TimedPermission, error) {
	if strings.TrimSpace(req.SubjectID) == "" {
		return nil, fmt.Errorf("permission: subject is required")
	}
	if strings.TrimSpace(req.Operation) == "" {
		return nil, fmt.Errorf("permission: operation is required")
	}
	if strings.TrimSpace(req.GrantedBy) == "" {
		return nil, fmt.Errorf("permission: granted_by is required")
	}
	if req.MaxUses < 0 {
		return nil, fmt.Errorf("permission: max_uses must not be negative")
	}
	if req.Duration <= 0 {
		req.Duration = DefaultDuration
	}
	if req.Duration > MaxDuration {
		return nil, fmt.Errorf("permission: duration %s exceeds maximum %s", req.Duration, MaxDuration)
	}

	l.mu.Lock()
	list, err := l.read(ctx)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	now := l.now().UTC()
	p := TimedPermission{
		ID:        "perm-" + uuid.NewString(),
		SubjectID: req.SubjectID,
		Operation: req.Operation,
		Target:    req.Target,
		GrantedAt: now,
		ExpiresAt: now.Add(req.Duration),
		GrantedBy: req.GrantedBy,
		Reason:    req.Reason,
		MaxUses:   req.MaxUses,
	}
	if err := l.write(ctx, append(list, p)); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	l.record(ctx, audit.EventPermissionGrant, "granted", p, req.Reason)
	return &p, nil
}

// Check consumes one use of the first usable grant covering the request.
// Expiry is evaluated here, so a grant past its deadline never matches
// even if the sweeper has not run. Reaching MaxUses revokes the grant.
// Storage errors resolve to no grant.
func (l *Ledger) Check(ctx context.Context, subject, op, target string) (*TimedPermission, bool) {
	l.mu.Lock()
	list, err := l.read(ctx)
	if err != nil {
		l.mu.Unlock()
		l.logger.Warn("permission: check read failed", "error", err)
		return nil, false
	}
	now := l.now().UTC()
	idx := -1
	for i := range list {
		if list[i].Covers(subject, op, target) && list[i].Usable(now) {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return nil, false
	}

	p := &list[idx]
	p.UsageCount++
	exhausted := p.MaxUses > 0 && p.UsageCount >= p.MaxUses
	if exhausted {
		p.Revoked = true
		p.RevokedAt = &now
		p.RevokedReason = reasonMaxUses
	}
	if err := l.write(ctx, list); err != nil {
		l.mu.Unlock()
		l.logger.Warn("permission: check write failed", "error", err)
		return nil, false
	}
	used := *p
	l.mu.Unlock()

	l.record(ctx, audit.EventPermissionUse, "used", used, "")
	if exhausted {
		l.record(ctx, audit.EventPermissionRevoke, "revoked", used, reasonMaxUses)
	}
	return &used, true
}

// Revoke marks a grant revoked. Revoking twice is a no-op.
func (l *Ledger) Revoke(ctx context.Context, id, reason string) error {
	l.mu.Lock()
	list, err := l.read(ctx)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	idx := -1
	for i := range list {
		if list[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if list[idx].Revoked {
		l.mu.Unlock()
		return nil
	}
	now := l.now().UTC()
	list[idx].Revoked = true
	list[idx].RevokedAt = &now
	list[idx].RevokedReason = reason
	if err := l.write(ctx, list); err != nil {
		l.mu.Unlock()
		return err
	}
	p := list[idx]
	l.mu.Unlock()

	l.record(ctx, audit.EventPermissionRevoke, "revoked", p, reason)
	return nil
}

// List returns grants for subject, or all grants when subject is empty.
func (l *Ledger) List(ctx context.Context, subject string) ([]TimedPermission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list, err := l.read(ctx)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		return list, nil
	}
	out := []TimedPermission{}
	for _, p := range list {
		if p.SubjectID == subject {
			out = append(out, p)
		}
	}
	return out, nil
}

// Active returns grants for subject that are usable now.
func (l *Ledger) Active(ctx context.Context, subject string) ([]TimedPermission, error) {
	list, err := l.List(ctx, subject)
	if err != nil {
		return nil, err
	}
	now := l.now()
	out := []TimedPermission{}
	for _, p := range list {
		if p.Usable(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

// SweepExpired revokes every grant past its deadline and audits each one
// with result=expired. Returns the number swept.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	l.mu.Lock()
	list, err := l.read(ctx)
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	now := l.now().UTC()
	var swept []TimedPermission
	for i := range list {
		if list[i].Revoked || now.Before(list[i].ExpiresAt) {
			continue
		}
		list[i].Revoked = true
		list[i].RevokedAt = &now
		list[i].RevokedReason = reasonExpired
		swept = append(swept, list[i])
	}
	if len(swept) == 0 {
		l.mu.Unlock()
		return 0, nil
	}
	if err := l.write(ctx, list); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	l.mu.Unlock()

	for _, p := range swept {
		l.record(ctx, audit.EventPermissionExpiry, "expired", p, reasonExpired)
	}
	return len(swept), nil
}
