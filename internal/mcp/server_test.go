package mcp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/app"
	"github.com/ppiankov/opwarden/internal/config"
	"github.com/ppiankov/opwarden/internal/engine"
	"github.com/ppiankov/opwarden/internal/kv"
	"github.com/ppiankov/opwarden/internal/taskspec"
)

func newTestServer(t *testing.T) (*Server, *api.Service) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = kv.BackendMemory
	cfg.Policy.TablePath = filepath.Join(t.TempDir(), "approval-levels.yaml")
	a, err := app.NewWithStore(cfg, kv.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	svc := api.NewService(a)
	return New(svc, Config{AgentID: "agent-1", UserID: "owner"}), svc
}

func TestCheckAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	result, out, err := s.handleCheck(context.Background(), &mcpsdk.CallToolRequest{}, CheckInput{
		Category: "read",
		Action:   "file",
		Target:   "/srv/notes.md",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatal("expected success, got error result")
	}
	if !out.Allowed || out.RequiresApproval {
		t.Fatalf("expected auto allow, got %+v", out)
	}
}

func TestCheckBlocked(t *testing.T) {
	s, _ := newTestServer(t)

	result, out, err := s.handleCheck(context.Background(), &mcpsdk.CallToolRequest{}, CheckInput{
		Category: "credential",
		Action:   "write",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result for blocked operation")
	}
	if out.Allowed {
		t.Fatal("expected allowed=false")
	}
	if out.Reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestOutcomeBuildsTrust(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, out, err := s.handleCheck(ctx, &mcpsdk.CallToolRequest{}, CheckInput{
			Category: "read",
			Action:   "file",
			Target:   "/srv/notes.md",
		}); err != nil || !out.Allowed {
			t.Fatalf("check: %v %+v", err, out)
		}
		_, out, err := s.handleOutcome(ctx, &mcpsdk.CallToolRequest{}, OutcomeInput{
			Category: "read",
			Action:   "file",
			Target:   "/srv/notes.md",
			Success:  true,
		})
		if err != nil || !out.Recorded {
			t.Fatalf("outcome: %v %+v", err, out)
		}
	}

	_, tr, err := s.handleTrust(ctx, &mcpsdk.CallToolRequest{}, TrustInput{Operation: "read:file", Target: "/srv/notes.md"})
	if err != nil {
		t.Fatalf("trust: %v", err)
	}
	if !tr.Found || tr.Successes != 3 || tr.Score <= 0 {
		t.Fatalf("trust = %+v", tr)
	}
}

func TestOutcomeNeedsAllowedCheck(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	shell := OutcomeInput{Category: "execute", Action: "shell", Target: "make deploy", Success: true}

	for i := 0; i < 5; i++ {
		if _, out, err := s.handleOutcome(ctx, &mcpsdk.CallToolRequest{}, shell); !errors.Is(err, engine.ErrNoMatchingCheck) || out.Recorded {
			t.Fatalf("outcome %d without a check: %v %+v", i, err, out)
		}
	}
	_, out, err := s.handleCheck(ctx, &mcpsdk.CallToolRequest{}, CheckInput{Category: "execute", Action: "shell", Target: "make deploy"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.RequiresApproval {
		t.Fatalf("unchecked outcomes must not earn auto-approval, got %+v", out)
	}
	if _, tr, _ := s.handleTrust(ctx, &mcpsdk.CallToolRequest{}, TrustInput{Operation: "execute:shell", Target: "make deploy"}); tr.Found {
		t.Fatalf("trust = %+v", tr)
	}
}

func TestOutcomeRejectsBadCategory(t *testing.T) {
	s, _ := newTestServer(t)
	_, _, err := s.handleOutcome(context.Background(), &mcpsdk.CallToolRequest{}, OutcomeInput{Category: "teleport", Action: "x"})
	if err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestTasksListsOwnSpecs(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, api.CreateTaskRequest{
		SubjectID:          "agent-1",
		Title:              "rotate logs",
		Constraints:        taskspec.Constraints{AllowedOperations: []string{"write:file"}, MaxActions: 5},
		MaxDurationMinutes: 30,
		Activate:           true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateTask(ctx, api.CreateTaskRequest{SubjectID: "agent-2", Title: "other"}); err != nil {
		t.Fatal(err)
	}

	_, out, err := s.handleTasks(ctx, &mcpsdk.CallToolRequest{}, TasksInput{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Tasks) != 1 {
		t.Fatalf("tasks = %+v", out.Tasks)
	}
	if got := out.Tasks[0]; got.Status != "active" || got.MaxActions != 5 || got.ExpiresAt == "" {
		t.Fatalf("task = %+v", got)
	}
}

func TestStatusReflectsHalt(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()

	if _, err := svc.Halt(ctx, api.OperatorRequest{By: "ops", Reason: "drill"}); err != nil {
		t.Fatal(err)
	}
	_, out, err := s.handleStatus(ctx, &mcpsdk.CallToolRequest{}, StatusInput{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Halted || out.HaltReason != "drill" {
		t.Fatalf("status = %+v", out)
	}

	result, check, err := s.handleCheck(ctx, &mcpsdk.CallToolRequest{}, CheckInput{Category: "read", Action: "file"})
	if err != nil {
		t.Fatal(err)
	}
	if check.Allowed || result == nil || !result.IsError {
		t.Fatalf("halted system must block, got %+v", check)
	}
}

func TestToolRegistration(t *testing.T) {
	s, _ := newTestServer(t)
	if s.mcpServer == nil {
		t.Fatal("expected MCP server to be initialized")
	}
}
