// Package api is the operation surface shared by the gRPC server, the
// REST API and the MCP tools. Every method takes and returns plain JSON
// shaped types.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/opwarden/internal/anomaly"
	"github.com/ppiankov/opwarden/internal/app"
	"github.com/ppiankov/opwarden/internal/audit"
	"github.com/ppiankov/opwarden/internal/engine"
	"github.com/ppiankov/opwarden/internal/halt"
	"github.com/ppiankov/opwarden/internal/model"
	"github.com/ppiankov/opwarden/internal/override"
	"github.com/ppiankov/opwarden/internal/permission"
	"github.com/ppiankov/opwarden/internal/taskspec"
	"github.com/ppiankov/opwarden/internal/trust"
)

// ErrBadRequest marks caller errors: malformed input or a rejected value.
var ErrBadRequest = errors.New("api: bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Service exposes an App's operations.
type Service struct {
	app *app.App
}

// NewService wraps a.
func NewService(a *app.App) *Service {
	return &Service{app: a}
}

// CheckRequest asks for an authorization decision.
type CheckRequest struct {
	Operation model.OperationRequest `json:"operation"`
	Context   model.SecurityContext  `json:"context"`
}

// Check runs the decision engine.
func (s *Service) Check(ctx context.Context, req CheckRequest) (model.Decision, error) {
	return s.app.Engine.CheckOperation(ctx, req.Operation, req.Context), nil
}

// OutcomeRequest reports how an executed operation went.
type OutcomeRequest struct {
	Operation model.OperationRequest `json:"operation"`
	Context   model.SecurityContext  `json:"context"`
	Success   bool                   `json:"success"`
}

// Ack is returned by mutations without a richer result.
type Ack struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// RecordOutcome feeds the trust scorer.
func (s *Service) RecordOutcome(ctx context.Context, req OutcomeRequest) (Ack, error) {
	if !req.Operation.Category.Valid() || req.Operation.Action == "" {
		return Ack{}, badRequest("invalid operation %q", req.Operation.Key())
	}
	if err := s.app.Engine.RecordOutcome(ctx, req.Operation, req.Context, req.Success); err != nil {
		return Ack{}, err
	}
	return Ack{OK: true}, nil
}

// GrantRequest creates a timed permission. Duration uses Go syntax ("90m").
type GrantRequest struct {
	SubjectID string `json:"subject_id"`
	Operation string `json:"operation"`
	Target    string `json:"target,omitempty"`
	Duration  string `json:"duration,omitempty"`
	GrantedBy string `json:"granted_by"`
	Reason    string `json:"reason,omitempty"`
	MaxUses   int    `json:"max_uses,omitempty"`
}

// Grant issues a timed permission.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*permission.TimedPermission, error) {
	var d time.Duration
	if req.Duration != "" {
		var err error
		d, err = time.ParseDuration(req.Duration)
		if err != nil {
			return nil, badRequest("invalid duration %q", req.Duration)
		}
	}
	p, err := s.app.Ledger.Grant(ctx, permission.GrantRequest{
		SubjectID: req.SubjectID,
		Operation: req.Operation,
		Target:    req.Target,
		Duration:  d,
		GrantedBy: req.GrantedBy,
		Reason:    req.Reason,
		MaxUses:   req.MaxUses,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return p, nil
}

// RevokeRequest revokes one grant.
type RevokeRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// Revoke revokes a grant.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (Ack, error) {
	if req.ID == "" {
		return Ack{}, badRequest("id is required")
	}
	if err := s.app.Ledger.Revoke(ctx, req.ID, req.Reason); err != nil {
		return Ack{}, err
	}
	return Ack{OK: true}, nil
}

// ListPermissionsRequest selects grants for one subject.
type ListPermissionsRequest struct {
	SubjectID  string `json:"subject_id"`
	ActiveOnly bool   `json:"active_only,omitempty"`
}

// PermissionList wraps grants.
type PermissionList struct {
	Permissions []permission.TimedPermission `json:"permissions"`
}

// ListPermissions returns a subject's grants.
func (s *Service) ListPermissions(ctx context.Context, req ListPermissionsRequest) (PermissionList, error) {
	if req.SubjectID == "" {
		return PermissionList{}, badRequest("subject_id is required")
	}
	var (
		list []permission.TimedPermission
		err  error
	)
	if req.ActiveOnly {
		list, err = s.app.Ledger.Active(ctx, req.SubjectID)
	} else {
		list, err = s.app.Ledger.List(ctx, req.SubjectID)
	}
	if err != nil {
		return PermissionList{}, err
	}
	return PermissionList{Permissions: list}, nil
}

// SetOverride adds or replaces an override.
func (s *Service) SetOverride(ctx context.Context, o override.Override) (Ack, error) {
	if err := s.app.Overrides.Add(ctx, o); err != nil {
		if errors.Is(err, override.ErrInvalid) {
			return Ack{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return Ack{}, err
	}
	return Ack{OK: true}, nil
}

// RemoveOverrideRequest names an override slot.
type RemoveOverrideRequest struct {
	Operation string         `json:"operation"`
	Target    string         `json:"target,omitempty"`
	Scope     override.Scope `json:"scope"`
	AgentID   string         `json:"agent_id,omitempty"`
}

// RemoveOverride deletes an override.
func (s *Service) RemoveOverride(ctx context.Context, req RemoveOverrideRequest) (Ack, error) {
	if req.Scope == "" {
		req.Scope = override.ScopeGlobal
	}
	removed, err := s.app.Overrides.Remove(ctx, req.Operation, req.Target, req.Scope, req.AgentID)
	if err != nil {
		return Ack{}, err
	}
	if !removed {
		return Ack{OK: false, Message: "no matching override"}, nil
	}
	return Ack{OK: true}, nil
}

// OverrideList wraps overrides.
type OverrideList struct {
	Overrides []override.Override `json:"overrides"`
}

// ListOverrides returns every override.
func (s *Service) ListOverrides(ctx context.Context, _ struct{}) (OverrideList, error) {
	list, err := s.app.Overrides.List(ctx)
	if err != nil {
		return OverrideList{}, err
	}
	return OverrideList{Overrides: list}, nil
}

// TrustRequest addresses a trust entry. With Success set, an outcome is
// recorded before the entry is returned.
type TrustRequest struct {
	Operation string `json:"operation"`
	Target    string `json:"target,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Success   *bool  `json:"success,omitempty"`
}

// TrustReport is the resolved trust state for one key.
type TrustReport struct {
	Found       bool        `json:"found"`
	Score       float64     `json:"score"`
	AutoApprove bool        `json:"auto_approve"`
	Entry       trust.Entry `json:"entry"`
}

// Trust reads, and optionally records, a trust entry.
func (s *Service) Trust(ctx context.Context, req TrustRequest) (TrustReport, error) {
	if req.Operation == "" {
		return TrustReport{}, badRequest("operation is required")
	}
	ts := s.app.Trust
	if req.Success != nil {
		var err error
		if *req.Success {
			err = ts.RecordSuccess(ctx, req.Operation, req.Target, req.AgentID)
		} else {
			err = ts.RecordFailure(ctx, req.Operation, req.Target, req.AgentID)
		}
		if err != nil {
			return TrustReport{}, err
		}
	}
	entry, found := ts.Lookup(ctx, req.Operation, req.Target, req.AgentID)
	score, _ := ts.Score(ctx, req.Operation, req.Target, req.AgentID)
	return TrustReport{
		Found:       found,
		Score:       score,
		AutoApprove: ts.ShouldAutoApprove(ctx, req.Operation, req.Target, req.AgentID),
		Entry:       entry,
	}, nil
}

// CreateTaskRequest drafts a task spec.
type CreateTaskRequest struct {
	SubjectID          string               `json:"subject_id"`
	Title              string               `json:"title"`
	Constraints        taskspec.Constraints `json:"constraints"`
	MaxDurationMinutes int                  `json:"max_duration_minutes,omitempty"`
	Permissions        []string             `json:"permissions,omitempty"`
	Activate           bool                 `json:"activate,omitempty"`
}

// CreateTask drafts a spec and optionally activates it.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*taskspec.Spec, error) {
	sp, err := s.app.Tasks.Create(ctx, taskspec.CreateRequest{
		SubjectID:          req.SubjectID,
		Title:              req.Title,
		Constraints:        req.Constraints,
		MaxDurationMinutes: req.MaxDurationMinutes,
		Permissions:        req.Permissions,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if req.Activate {
		return s.app.Tasks.Activate(ctx, sp.ID)
	}
	return sp, nil
}

// TaskActionRequest moves a spec through its lifecycle.
type TaskActionRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"` // activate, complete, cancel
	Reason string `json:"reason,omitempty"`
}

// TaskAction applies a lifecycle transition.
func (s *Service) TaskAction(ctx context.Context, req TaskActionRequest) (*taskspec.Spec, error) {
	if req.ID == "" {
		return nil, badRequest("id is required")
	}
	switch strings.ToLower(req.Action) {
	case "activate":
		return s.app.Tasks.Activate(ctx, req.ID)
	case "complete":
		return s.app.Tasks.Complete(ctx, req.ID)
	case "cancel":
		return s.app.Tasks.Cancel(ctx, req.ID, req.Reason)
	default:
		return nil, badRequest("unknown task action %q", req.Action)
	}
}

// ListTasksRequest selects specs; an empty subject lists all.
type ListTasksRequest struct {
	SubjectID string `json:"subject_id,omitempty"`
}

// TaskList wraps specs.
type TaskList struct {
	Tasks []taskspec.Spec `json:"tasks"`
}

// ListTasks returns specs.
func (s *Service) ListTasks(ctx context.Context, req ListTasksRequest) (TaskList, error) {
	list, err := s.app.Tasks.List(ctx, req.SubjectID)
	if err != nil {
		return TaskList{}, err
	}
	return TaskList{Tasks: list}, nil
}

// VerifyAudit walks the whole chain.
func (s *Service) VerifyAudit(ctx context.Context, _ struct{}) (audit.VerifyResult, error) {
	return s.app.Chain.Verify(ctx), nil
}

// AuditQueryRequest filters the chain. Times are RFC 3339.
type AuditQueryRequest struct {
	Event     string `json:"event,omitempty"`
	Result    string `json:"result,omitempty"`
	Operation string `json:"operation,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// QueryAudit returns matching entries, newest last, capped at Limit.
func (s *Service) QueryAudit(ctx context.Context, req AuditQueryRequest) (*audit.QueryResult, error) {
	f := audit.Filter{Event: req.Event, Result: req.Result, Operation: req.Operation, AgentID: req.AgentID}
	for _, tv := range []struct {
		raw string
		dst *time.Time
	}{{req.From, &f.From}, {req.To, &f.To}} {
		if tv.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, tv.raw)
		if err != nil {
			return nil, badRequest("invalid time %q", tv.raw)
		}
		*tv.dst = t
	}
	res, err := s.app.Chain.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(res.Entries) > req.Limit {
		res.Entries = res.Entries[len(res.Entries)-req.Limit:]
	}
	return res, nil
}

// OperatorRequest carries who acts and why.
type OperatorRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

// Halt engages the kill switch.
func (s *Service) Halt(ctx context.Context, req OperatorRequest) (halt.State, error) {
	if err := s.app.Halt.Halt(ctx, req.By, req.Reason); err != nil {
		return halt.State{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return s.app.Halt.Status(ctx), nil
}

// Resume clears the kill switch.
func (s *Service) Resume(ctx context.Context, req OperatorRequest) (Ack, error) {
	ok, err := s.app.Halt.Resume(ctx, req.By)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if !ok {
		return Ack{OK: false, Message: "system was not halted"}, nil
	}
	return Ack{OK: true}, nil
}

// StatusReport summarizes the switches.
type StatusReport struct {
	Halt     halt.State    `json:"halt"`
	Detector anomaly.State `json:"detector"`
	Pending  int           `json:"pending_anomalies"`
}

// Status reports halt and detector state.
func (s *Service) Status(ctx context.Context, _ struct{}) (StatusReport, error) {
	return StatusReport{
		Halt:     s.app.Halt.Status(ctx),
		Detector: s.app.Detector.State(ctx),
		Pending:  len(s.app.Detector.Events(ctx, true)),
	}, nil
}

// AnomalyListRequest selects detector events.
type AnomalyListRequest struct {
	PendingOnly bool `json:"pending_only,omitempty"`
}

// AnomalyList wraps events.
type AnomalyList struct {
	Anomalies []model.Anomaly `json:"anomalies"`
}

// Anomalies lists detector events.
func (s *Service) Anomalies(ctx context.Context, req AnomalyListRequest) (AnomalyList, error) {
	return AnomalyList{Anomalies: s.app.Detector.Events(ctx, req.PendingOnly)}, nil
}

// ReviewRequest names one event.
type ReviewRequest struct {
	ID string `json:"id"`
}

// ReviewAnomaly clears an event's review flag.
func (s *Service) ReviewAnomaly(ctx context.Context, req ReviewRequest) (Ack, error) {
	if err := s.app.Detector.MarkReviewed(ctx, req.ID); err != nil {
		return Ack{}, err
	}
	return Ack{OK: true}, nil
}

// ResumeDetector unpauses the detector after an emergency.
func (s *Service) ResumeDetector(ctx context.Context, req OperatorRequest) (Ack, error) {
	ok, err := s.app.Detector.Resume(ctx, req.By)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if !ok {
		return Ack{OK: false, Message: "detector was not paused"}, nil
	}
	return Ack{OK: true}, nil
}

// SuggestRequest bounds learning suggestions. Window uses Go syntax.
type SuggestRequest struct {
	Window       string `json:"window,omitempty"`
	MinApprovals int    `json:"min_approvals,omitempty"`
}

// SuggestionList wraps suggestions.
type SuggestionList struct {
	Suggestions []engine.Suggestion `json:"suggestions"`
}

// Suggest proposes overrides learned from the operational log.
func (s *Service) Suggest(ctx context.Context, req SuggestRequest) (SuggestionList, error) {
	opts := engine.SuggestOptions{MinApprovals: req.MinApprovals}
	if req.Window != "" {
		d, err := time.ParseDuration(req.Window)
		if err != nil {
			return SuggestionList{}, badRequest("invalid window %q", req.Window)
		}
		opts.Window = d
	}
	list, err := s.app.Engine.Suggest(ctx, opts)
	if err != nil {
		return SuggestionList{}, err
	}
	if list == nil {
		list = []engine.Suggestion{}
	}
	return SuggestionList{Suggestions: list}, nil
}
