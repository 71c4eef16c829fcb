package taskspec

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ppiankov/opwarden/internal/model"
)

// Result is the outcome of a constraint check. Unavailable is set when
// the active specs could not be read; the request is then let through
// this layer but must not be waived past approval elsewhere.
type Result struct {
	Allowed     bool
	Unavailable bool
	Reason      string
	SpecID      string
}

// Checker evaluates requests against a subject's active specs.
type Checker struct {
	store  *Store
	logger *slog.Logger
}

// NewChecker returns a Checker over store.
func NewChecker(store *Store, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{store: store, logger: logger}
}

// Check decides whether req is allowed under the subject's active specs.
// Every active spec must admit the request. No active spec means no
// restriction. A storage error is reported as Unavailable.
func (c *Checker) Check(ctx context.Context, subject string, req model.OperationRequest, source model.Source) Result {
	specs, err := c.store.ActiveFor(ctx, subject)
	if err != nil {
		c.logger.Warn("taskspec: check read failed", "subject", subject, "error", err)
		return Result{Allowed: true, Unavailable: true, Reason: "task constraints unavailable"}
	}
	return Evaluate(specs, req, source)
}

// Evaluate applies the constraint rules to a set of active specs. A
// forbidden match in any spec denies first; then each spec's allow list,
// source list, action cap and self-modification rule must all pass.
func Evaluate(specs []Spec, req model.OperationRequest, source model.Source) Result {
	if len(specs) == 0 {
		return Result{Allowed: true}
	}
	opKey := req.Key()

	for _, sp := range specs {
		if p, ok := matchAny(sp.Constraints.ForbiddenOperations, opKey); ok {
			return Result{
				Reason: fmt.Sprintf("task %q forbids %s (pattern %s)", sp.Title, opKey, p),
				SpecID: sp.ID,
			}
		}
	}
	for _, sp := range specs {
		if reason := admits(sp, req, opKey, source); reason != "" {
			return Result{Reason: reason, SpecID: sp.ID}
		}
	}
	return Result{Allowed: true}
}

// admits returns "" if sp allows the request, else the reason it does not.
func admits(sp Spec, req model.OperationRequest, opKey string, source model.Source) string {
	c := sp.Constraints
	if len(c.AllowedOperations) > 0 {
		if _, ok := matchAny(c.AllowedOperations, opKey); !ok {
			return fmt.Sprintf("task %q does not allow %s", sp.Title, opKey)
		}
	}
	if len(c.AllowedSources) > 0 && !contains(c.AllowedSources, string(source)) {
		return fmt.Sprintf("task %q does not allow source %s", sp.Title, source)
	}
	if c.MaxActions > 0 && sp.ActionCount >= c.MaxActions {
		return fmt.Sprintf("task %q reached its limit of %d actions", sp.Title, c.MaxActions)
	}
	if !c.CanSelfModify && model.IsAgentSelfModification(req) {
		return fmt.Sprintf("task %q does not allow self-modification", sp.Title)
	}
	return ""
}
