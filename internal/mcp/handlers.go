package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/model"
)

// --- Input/Output types ---

// CheckInput names an operation to authorize.
type CheckInput struct {
	Category string         `json:"category" jsonschema:"operation category (read/write/execute/network/credential)"`
	Action   string         `json:"action" jsonschema:"action within the category, e.g. file or delete"`
	Target   string         `json:"target,omitempty" jsonschema:"resource the operation touches"`
	Content  string         `json:"content,omitempty" jsonschema:"payload to inspect, e.g. file body or message text"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"extra attributes such as task_id"`
	Session  string         `json:"session,omitempty" jsonschema:"caller session id"`
}

// CheckOutput is the decision for one operation.
type CheckOutput struct {
	Allowed          bool     `json:"allowed"`
	RequiresApproval bool     `json:"requires_approval"`
	ApprovalLevel    int      `json:"approval_level"`
	Reason           string   `json:"reason,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	SanitizedContent string   `json:"sanitized_content,omitempty"`
}

// OutcomeInput reports an executed operation.
type OutcomeInput struct {
	Category string `json:"category" jsonschema:"operation category"`
	Action   string `json:"action" jsonschema:"action within the category"`
	Target   string `json:"target,omitempty" jsonschema:"resource the operation touched"`
	Success  bool   `json:"success" jsonschema:"whether the operation succeeded"`
	Session  string `json:"session,omitempty" jsonschema:"caller session id"`
}

// OutcomeOutput acknowledges an outcome.
type OutcomeOutput struct {
	Recorded bool `json:"recorded"`
}

// TrustInput addresses a trust entry.
type TrustInput struct {
	Operation string `json:"operation" jsonschema:"operation key category:action"`
	Target    string `json:"target,omitempty" jsonschema:"target, omit for the operation-wide entry"`
}

// TrustOutput is the resolved trust for one key.
type TrustOutput struct {
	Found       bool    `json:"found"`
	Score       float64 `json:"score"`
	AutoApprove bool    `json:"auto_approve"`
	Successes   int     `json:"successes"`
	Failures    int     `json:"failures"`
}

// TasksInput has no parameters.
type TasksInput struct{}

// TaskItem summarizes one task spec.
type TaskItem struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	Status              string   `json:"status"`
	AllowedOperations   []string `json:"allowed_operations,omitempty"`
	ForbiddenOperations []string `json:"forbidden_operations,omitempty"`
	MaxActions          int      `json:"max_actions,omitempty"`
	ActionCount         int      `json:"action_count"`
	ExpiresAt           string   `json:"expires_at,omitempty"`
}

// TasksOutput lists this agent's task specs.
type TasksOutput struct {
	Tasks []TaskItem `json:"tasks"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// StatusOutput reports the switches.
type StatusOutput struct {
	Halted           bool   `json:"halted"`
	HaltReason       string `json:"halt_reason,omitempty"`
	DetectorPaused   bool   `json:"detector_paused"`
	PendingAnomalies int    `json:"pending_anomalies"`
}

// --- Handlers ---

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	d, err := s.svc.Check(ctx, api.CheckRequest{
		Operation: model.OperationRequest{
			Category: model.Category(input.Category),
			Action:   input.Action,
			Target:   input.Target,
			Content:  input.Content,
			Metadata: input.Metadata,
		},
		Context: s.securityContext(input.Session),
	})
	if err != nil {
		return nil, CheckOutput{}, err
	}
	out := CheckOutput{
		Allowed:          d.Allowed,
		RequiresApproval: d.RequiresApproval,
		ApprovalLevel:    d.ApprovalLevel,
		Reason:           d.Reason,
		Warnings:         d.Warnings,
		SanitizedContent: d.SanitizedContent,
	}
	if !d.Allowed {
		return errorResult("blocked: " + d.Reason), out, nil
	}
	if d.RequiresApproval {
		return errorResult(fmt.Sprintf("requires human approval (level %d): %s", d.ApprovalLevel, d.Reason)), out, nil
	}
	return nil, out, nil
}

func (s *Server) handleOutcome(ctx context.Context, req *mcpsdk.CallToolRequest, input OutcomeInput) (*mcpsdk.CallToolResult, OutcomeOutput, error) {
	_, err := s.svc.RecordOutcome(ctx, api.OutcomeRequest{
		Operation: model.OperationRequest{
			Category: model.Category(input.Category),
			Action:   input.Action,
			Target:   input.Target,
		},
		Context: s.securityContext(input.Session),
		Success: input.Success,
	})
	if err != nil {
		return nil, OutcomeOutput{}, err
	}
	return nil, OutcomeOutput{Recorded: true}, nil
}

func (s *Server) handleTrust(ctx context.Context, req *mcpsdk.CallToolRequest, input TrustInput) (*mcpsdk.CallToolResult, TrustOutput, error) {
	r, err := s.svc.Trust(ctx, api.TrustRequest{
		Operation: input.Operation,
		Target:    input.Target,
		AgentID:   s.agentID,
	})
	if err != nil {
		return nil, TrustOutput{}, err
	}
	return nil, TrustOutput{
		Found:       r.Found,
		Score:       r.Score,
		AutoApprove: r.AutoApprove,
		Successes:   r.Entry.SuccessCount,
		Failures:    r.Entry.FailureCount,
	}, nil
}

func (s *Server) handleTasks(ctx context.Context, req *mcpsdk.CallToolRequest, input TasksInput) (*mcpsdk.CallToolResult, TasksOutput, error) {
	list, err := s.svc.ListTasks(ctx, api.ListTasksRequest{SubjectID: s.securityContext("").SubjectID()})
	if err != nil {
		return nil, TasksOutput{}, err
	}
	items := make([]TaskItem, len(list.Tasks))
	for i, sp := range list.Tasks {
		items[i] = TaskItem{
			ID:                  sp.ID,
			Title:               sp.Title,
			Status:              string(sp.Status),
			AllowedOperations:   sp.Constraints.AllowedOperations,
			ForbiddenOperations: sp.Constraints.ForbiddenOperations,
			MaxActions:          sp.Constraints.MaxActions,
			ActionCount:         sp.ActionCount,
		}
		if sp.TimeLimit.ExpiresAt != nil {
			items[i].ExpiresAt = sp.TimeLimit.ExpiresAt.Format(time.RFC3339)
		}
	}
	return nil, TasksOutput{Tasks: items}, nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	st, err := s.svc.Status(ctx, struct{}{})
	if err != nil {
		return nil, StatusOutput{}, err
	}
	return nil, StatusOutput{
		Halted:           st.Halt.Halted,
		HaltReason:       st.Halt.Reason,
		DetectorPaused:   st.Detector.Paused,
		PendingAnomalies: st.Pending,
	}, nil
}

func errorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
	}
}
