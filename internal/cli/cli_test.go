package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/auth"
	"github.com/ppiankov/opwarden/internal/taskspec"
)

// writeTestConfig points storage, the approval table and the log at a temp dir.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`storage:
  backend: file
  dir: %s
policy:
  table_path: %s
  hot_reload: false
logging:
  level: error
  output: %s
`, filepath.Join(dir, "state"), filepath.Join(dir, "approval-levels.yaml"), filepath.Join(dir, "opwarden.log"))
	path := filepath.Join(dir, "opwarden.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootServer = ""
	rootJSON = false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInitWritesConfigAndTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opwarden.yaml")
	initForce = false

	out, err := execute(t, "init", "--config", path)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if strings.Count(out, "created") != 2 {
		t.Fatalf("expected two files created, got:\n%s", out)
	}
	data, err := os.ReadFile(filepath.Join(dir, "approval-levels.yaml"))
	if err != nil {
		t.Fatalf("approval table not created: %v", err)
	}
	if !strings.Contains(string(data), "credential:read") {
		t.Error("approval table missing credential:read")
	}

	out, err = execute(t, "init", "--config", path)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if strings.Contains(out, "created") {
		t.Fatalf("existing files overwritten without --force:\n%s", out)
	}
}

func TestPermissionGrantAndList(t *testing.T) {
	cfg := writeTestConfig(t)
	grantTarget, grantReason, grantMaxUses = "", "", 0

	if _, err := execute(t, "--config", cfg, "permission", "grant", "agent-1", "write:file", "--for", "2h", "--by", "owner"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	permAll = false
	out, err := execute(t, "--config", cfg, "--json", "permission", "list", "agent-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list api.PermissionList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(list.Permissions) != 1 || list.Permissions[0].Operation != "write:file" {
		t.Fatalf("permissions = %+v", list.Permissions)
	}

	revokeReason = ""
	if _, err := execute(t, "--config", cfg, "permission", "revoke", list.Permissions[0].ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	out, _ = execute(t, "--config", cfg, "permission", "list", "agent-1")
	if !strings.Contains(out, "No grants.") {
		t.Fatalf("revoked grant still listed:\n%s", out)
	}
}

func TestGrantRejectsLongDuration(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := execute(t, "--config", cfg, "permission", "grant", "agent-1", "write:file", "--for", "800h", "--by", "owner"); err == nil {
		t.Fatal("expected grant beyond 30 days to fail")
	}
}

func TestOverrideSetListRemove(t *testing.T) {
	cfg := writeTestConfig(t)
	overrideTarget, overrideAgent, overrideReason, overrideFor = "", "", "", ""

	if _, err := execute(t, "--config", cfg, "override", "set", "network:post", "block", "--reason", "no outbound posts"); err != nil {
		t.Fatalf("set: %v", err)
	}
	out, err := execute(t, "--config", cfg, "override", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "network:post") || !strings.Contains(out, "block") {
		t.Fatalf("override missing from list:\n%s", out)
	}

	overrideReason = ""
	if _, err := execute(t, "--config", cfg, "override", "remove", "network:post"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := execute(t, "--config", cfg, "override", "remove", "network:post"); err == nil {
		t.Fatal("removing a missing override should fail")
	}
}

func TestTaskLifecycle(t *testing.T) {
	cfg := writeTestConfig(t)
	taskAllow, taskForbid, taskSources = nil, nil, nil
	taskMaxActions, taskMinutes, taskSelfModify, taskActivate = 0, 0, false, false

	out, err := execute(t, "--config", cfg, "--json", "task", "create", "agent-1", "rotate logs",
		"--allow", "write:file,read:*", "--max-actions", "10", "--minutes", "30")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var sp taskspec.Spec
	if err := json.Unmarshal([]byte(out), &sp); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if sp.Status != taskspec.StatusDraft || len(sp.Constraints.AllowedOperations) != 2 {
		t.Fatalf("spec = %+v", sp)
	}

	out, err = execute(t, "--config", cfg, "task", "activate", sp.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !strings.Contains(out, "active") {
		t.Fatalf("activate output: %s", out)
	}
	if _, err := execute(t, "--config", cfg, "task", "complete", sp.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := execute(t, "--config", cfg, "task", "activate", sp.ID); err == nil {
		t.Fatal("completed task must not reactivate")
	}
}

func TestHaltStatusResume(t *testing.T) {
	cfg := writeTestConfig(t)

	if _, err := execute(t, "--config", cfg, "halt", "--by", "ops", "--reason", "incident"); err != nil {
		t.Fatalf("halt: %v", err)
	}
	out, err := execute(t, "--config", cfg, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "HALTED by ops") {
		t.Fatalf("status after halt:\n%s", out)
	}
	if _, err := execute(t, "--config", cfg, "resume", "--by", "ops"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	out, _ = execute(t, "--config", cfg, "status")
	if !strings.Contains(out, "running") {
		t.Fatalf("status after resume:\n%s", out)
	}
}

func TestCheckOutcomeAndAudit(t *testing.T) {
	cfg := writeTestConfig(t)
	checkContent, checkTask, checkFailure = "", "", false

	out, err := execute(t, "--config", cfg, "check", "read:file", "/srv/notes.md", "--user", "owner", "--agent", "agent-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.HasPrefix(out, "ALLOW") {
		t.Fatalf("check output: %s", out)
	}
	if _, err := execute(t, "--config", cfg, "outcome", "read:file", "/srv/notes.md", "--user", "owner", "--agent", "agent-1"); err != nil {
		t.Fatalf("outcome: %v", err)
	}

	out, err = execute(t, "--config", cfg, "audit", "verify")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.HasPrefix(out, "OK: 2 entries") {
		t.Fatalf("verify output: %s", out)
	}

	auditQuery, auditTimeline = api.AuditQueryRequest{Limit: 20}, false
	out, err = execute(t, "--config", cfg, "audit", "query", "--operation", "read:file")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !strings.Contains(out, "2 matching") {
		t.Fatalf("query output: %s", out)
	}

	out, err = execute(t, "--config", cfg, "audit", "query", "--timeline")
	auditTimeline = false
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if !strings.Contains(out, "Total: 2") || !strings.Contains(out, "read:file") {
		t.Fatalf("timeline output: %s", out)
	}
}

func TestCheckRejectsMalformedOperation(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := execute(t, "--config", cfg, "check", "teleport"); err == nil {
		t.Fatal("expected error for malformed operation")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"name": "opwarden"`) {
		t.Fatalf("version output: %s", out)
	}
}

func TestTokenIssue(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	t.Setenv("OPWARDEN_JWT_SECRET", secret)
	cfg := writeTestConfig(t)

	out, err := execute(t, "--config", cfg, "token", "issue", "--subject", "ops", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token issue: %v\n%s", err, out)
	}
	c, err := auth.Verify([]byte(secret), strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if c.Subject != "ops" {
		t.Fatalf("subject = %q", c.Subject)
	}
}
