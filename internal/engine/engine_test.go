package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/opwarden/internal/anomaly"
	"github.com/ppiankov/opwarden/internal/audit"
	"github.com/ppiankov/opwarden/internal/halt"
	"github.com/ppiankov/opwarden/internal/kv"
	"github.com/ppiankov/opwarden/internal/model"
	"github.com/ppiankov/opwarden/internal/override"
	"github.com/ppiankov/opwarden/internal/permission"
	"github.com/ppiankov/opwarden/internal/risk"
	"github.com/ppiankov/opwarden/internal/taskspec"
	"github.com/ppiankov/opwarden/internal/trust"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	e        *Engine
	store    *kv.MemoryStore
	chain    *audit.Chain
	halt     *halt.Switch
	detector *anomaly.Detector
	ovr      *override.Resolver
	trust    *trust.Scorer
	ledger   *permission.Ledger
	tasks    *taskspec.Store
	clock    *testClock
}

func newHarness(t *testing.T, mutate func(*Deps, *Config)) *harness {
	t.Helper()
	h := &harness{
		store: kv.NewMemoryStore(),
		clock: &testClock{now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)},
	}
	h.chain = audit.New(h.store, audit.WithClock(h.clock.Now))
	h.halt = halt.NewSwitch(h.store, h.chain, nil)
	h.halt.SetClock(h.clock.Now)
	h.detector = anomaly.New(h.store, anomaly.DefaultConfig(), nil,
		anomaly.WithAuditor(h.chain), anomaly.WithClock(h.clock.Now))
	h.ovr = override.NewResolver(h.store, nil)
	h.ovr.SetClock(h.clock.Now)
	h.trust = trust.NewScorer(h.store, trust.DefaultConfig(), nil)
	h.trust.SetClock(h.clock.Now)
	h.ledger = permission.NewLedger(h.store, h.chain, nil)
	h.ledger.SetClock(h.clock.Now)
	h.tasks = taskspec.NewStore(h.store, h.chain, nil)
	h.tasks.SetClock(h.clock.Now)

	deps := Deps{
		Halt:      h.halt,
		Detector:  h.detector,
		Overrides: h.ovr,
		Trust:     h.trust,
		Ledger:    h.ledger,
		Tasks:     h.tasks,
		Audit:     h.chain,
		Store:     h.store,
	}
	cfg := Config{FailClosed: true}
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	e, err := New(deps, cfg)
	if err != nil {
		t.Fatal(err)
	}
	e.SetClock(h.clock.Now)
	h.e = e
	return h
}

var agent = model.SecurityContext{UserID: "owner", AgentID: "agent-1", Source: model.SourceAutopilot}

func op(cat model.Category, action, target string) model.OperationRequest {
	return model.OperationRequest{Category: cat, Action: action, Target: target}
}

func (h *harness) check(t *testing.T, req model.OperationRequest) model.Decision {
	t.Helper()
	d := h.e.CheckOperation(context.Background(), req, agent)
	if !d.Allowed && d.Reason == "" {
		t.Fatalf("denied decision without reason: %+v", d)
	}
	for _, a := range d.Anomalies {
		if a.Severity.Blocking() && d.Allowed {
			t.Fatalf("critical anomaly on allowed decision: %+v", d)
		}
	}
	return d
}

// succeed runs req n times under a temporary grant and reports each run
// as a success. Outcomes only count for allowed checks, and content is
// left out so a classifier cannot hold the check back.
func (h *harness) succeed(t *testing.T, req model.OperationRequest, n int) {
	t.Helper()
	ctx := context.Background()
	p, err := h.ledger.Grant(ctx, permission.GrantRequest{
		SubjectID: agent.SubjectID(), Operation: req.Key(), Target: req.Target,
		GrantedBy: "ops", MaxUses: n, Duration: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	run := op(req.Category, req.Action, req.Target)
	for i := 0; i < n; i++ {
		if d := h.check(t, run); !d.Allowed || d.RequiresApproval {
			t.Fatalf("run %d not allowed: %+v", i, d)
		}
		if err := h.e.RecordOutcome(ctx, req, agent, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.ledger.Revoke(ctx, p.ID, "runs done"); err != nil {
		t.Fatal(err)
	}
}

func TestAutoLevelOperationAllowed(t *testing.T) {
	h := newHarness(t, nil)
	d := h.check(t, op(model.CategoryRead, "file", "/srv/app/README.md"))
	if !d.Allowed || d.RequiresApproval {
		t.Fatalf("expected auto allow, got %+v", d)
	}

	entries, err := h.chain.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if last.Event != audit.EventOperationCheck || last.Result != "allowed" || last.Operation != "read:file" {
		t.Fatalf("unexpected audit entry %+v", last)
	}
	lines, _ := h.store.ReadLines(context.Background(), SegmentKey(h.clock.Now()))
	if len(lines) != 1 {
		t.Fatalf("op log lines = %d, want 1", len(lines))
	}
}

func TestEveryOutcomeIsAudited(t *testing.T) {
	h := newHarness(t, nil)
	reqs := []model.OperationRequest{
		op(model.CategoryRead, "file", "/tmp/a"),
		op(model.CategoryWrite, "post", "timeline"),
		op(model.CategoryCredential, "export", "vault"),
	}
	for _, r := range reqs {
		h.check(t, r)
	}
	res, err := h.chain.Query(context.Background(), audit.Filter{Event: audit.EventOperationCheck})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != len(reqs) {
		t.Fatalf("audited %d checks, want %d", len(res.Entries), len(reqs))
	}
	if v := h.chain.Verify(context.Background()); !v.Valid {
		t.Fatalf("chain invalid: %+v", v)
	}
}

func TestInvalidOperationBlocked(t *testing.T) {
	h := newHarness(t, nil)
	if d := h.check(t, op("teleport", "now", "")); d.Allowed {
		t.Fatal("unknown category must be blocked")
	}
	if d := h.check(t, op(model.CategoryRead, "", "")); d.Allowed {
		t.Fatal("empty action must be blocked")
	}
}

func TestHaltOverridesEverything(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := op(model.CategoryRead, "file", "/tmp/x")
	if err := h.ovr.Add(ctx, override.Override{Operation: "read:file", Scope: override.ScopeGlobal, Action: override.ActionAllow}); err != nil {
		t.Fatal(err)
	}
	h.succeed(t, req, 20)
	if err := h.halt.Halt(ctx, "ops", "incident"); err != nil {
		t.Fatal(err)
	}
	d := h.check(t, req)
	if d.Allowed || !strings.Contains(d.Reason, "halted") {
		t.Fatalf("expected halt block, got %+v", d)
	}
	if _, err := h.halt.Resume(ctx, "ops"); err != nil {
		t.Fatal(err)
	}
	if d := h.check(t, req); !d.Allowed {
		t.Fatalf("expected allow after resume, got %+v", d)
	}
}

func TestCredentialWriteBlockedDespiteTrustAndOverride(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := op(model.CategoryCredential, "write", "")
	if err := h.ovr.Add(ctx, override.Override{Operation: "credential:write", Scope: override.ScopeGlobal, Action: override.ActionAllow}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if err := h.trust.RecordSuccess(ctx, "credential:write", "", "agent-1"); err != nil {
			t.Fatal(err)
		}
	}
	if !h.trust.ShouldAutoApprove(ctx, "credential:write", "", "agent-1") {
		t.Fatal("precondition: trust should be perfect")
	}
	if _, err := h.ledger.Grant(ctx, permission.GrantRequest{SubjectID: "agent-1", Operation: "credential:write", GrantedBy: "ops"}); err != nil {
		t.Fatal(err)
	}

	d := h.check(t, req)
	if d.Allowed || !strings.HasPrefix(d.Reason, "hard-blocked") {
		t.Fatalf("expected hard block, got %+v", d)
	}
}

func TestHardBlockedCommand(t *testing.T) {
	h := newHarness(t, nil)
	d := h.check(t, op(model.CategoryExecute, "shell", "rm -rf /"))
	if d.Allowed {
		t.Fatalf("expected catastrophic command blocked, got %+v", d)
	}
}

func TestOverrides(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	add := func(o override.Override) {
		t.Helper()
		if err := h.ovr.Add(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	add(override.Override{Operation: "write:post", Scope: override.ScopeGlobal, Action: override.ActionAllow})
	add(override.Override{Operation: "read:file", Target: "/srv/secret.txt", Scope: override.ScopeGlobal, Action: override.ActionBlock, Reason: "legal hold"})
	add(override.Override{Operation: "read:file", Target: "/srv/audit.txt", Scope: override.ScopeAgent, AgentID: "agent-1", Action: override.ActionAsk})
	add(override.Override{Operation: "credential:read", Scope: override.ScopeGlobal, Action: override.ActionAllow})

	if d := h.check(t, op(model.CategoryWrite, "post", "timeline")); !d.Allowed || d.RequiresApproval {
		t.Fatalf("allow override should relax write:post, got %+v", d)
	}
	if d := h.check(t, op(model.CategoryRead, "file", "/srv/secret.txt")); d.Allowed || !strings.Contains(d.Reason, "legal hold") {
		t.Fatalf("block override should deny with its reason, got %+v", d)
	}
	d := h.check(t, op(model.CategoryRead, "file", "/srv/audit.txt"))
	if !d.Allowed || !d.RequiresApproval || d.ApprovalLevel < 1 {
		t.Fatalf("ask override should force approval, got %+v", d)
	}
	d = h.check(t, op(model.CategoryCredential, "read", "vault"))
	if !d.RequiresApproval || d.ApprovalLevel != 3 || len(d.Warnings) == 0 {
		t.Fatalf("allow override must not relax elevated operations, got %+v", d)
	}
}

func TestTrustAutoApproval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := op(model.CategoryWrite, "post", "timeline")

	if d := h.check(t, req); !d.RequiresApproval {
		t.Fatal("cold start must require approval")
	}
	h.succeed(t, req, 5)
	if d := h.check(t, req); d.RequiresApproval {
		t.Fatalf("expected trust auto-approval, got %+v", d)
	}

	if err := h.e.RecordOutcome(ctx, req, agent, false); err != nil {
		t.Fatal(err)
	}
	h.succeed(t, req, 20)
	if d := h.check(t, req); !d.RequiresApproval {
		t.Fatal("recent failure must veto auto-approval")
	}
	h.clock.Advance(25 * time.Hour)
	if d := h.check(t, req); d.RequiresApproval {
		t.Fatalf("veto should lapse after the incident window, got %+v", d)
	}
}

func TestTrustCannotClearAskOverride(t *testing.T) {
	h := newHarness(t, nil)
	req := op(model.CategoryWrite, "post", "timeline")
	h.succeed(t, req, 10)
	if err := h.ovr.Add(context.Background(), override.Override{Operation: "write:post", Scope: override.ScopeGlobal, Action: override.ActionAsk}); err != nil {
		t.Fatal(err)
	}
	if d := h.check(t, req); !d.RequiresApproval {
		t.Fatal("ask override must win over trust")
	}
}

func TestGovernor(t *testing.T) {
	veto := GovernorFunc(func(_ context.Context, req model.OperationRequest, _ model.SecurityContext) (Verdict, error) {
		if req.Action == "delete" {
			return Verdict{Veto: true, Reason: "no deletes on fridays"}, nil
		}
		return Verdict{}, nil
	})
	h := newHarness(t, func(d *Deps, _ *Config) { d.Governor = veto })
	if d := h.check(t, op(model.CategoryWrite, "delete", "post-1")); d.Allowed || !strings.Contains(d.Reason, "fridays") {
		t.Fatalf("expected veto, got %+v", d)
	}

	failing := GovernorFunc(func(context.Context, model.OperationRequest, model.SecurityContext) (Verdict, error) {
		return Verdict{}, errors.New("hook down")
	})
	h = newHarness(t, func(d *Deps, _ *Config) { d.Governor = failing })
	req := op(model.CategoryWrite, "post", "timeline")
	h.succeed(t, req, 20)
	d := h.check(t, req)
	if !d.Allowed || !d.RequiresApproval {
		t.Fatalf("hook failure must require a human even with trust, got %+v", d)
	}
}

type fakeClassifier struct {
	verdict risk.Verdict
	err     error
	calls   int
}

func (f *fakeClassifier) Enabled() bool { return true }

func (f *fakeClassifier) Classify(context.Context, model.OperationRequest) (risk.Verdict, error) {
	f.calls++
	return f.verdict, f.err
}

func TestRiskClassifier(t *testing.T) {
	req := model.OperationRequest{Category: model.CategoryWrite, Action: "post", Target: "timeline", Content: "hello world"}

	critical := &fakeClassifier{verdict: risk.Verdict{Level: risk.LevelCritical, Reason: "harassment"}}
	h := newHarness(t, func(d *Deps, _ *Config) { d.Classifier = critical })
	if d := h.check(t, req); d.Allowed {
		t.Fatalf("critical verdict must block, got %+v", d)
	}

	high := &fakeClassifier{verdict: risk.Verdict{Level: risk.LevelHigh, Reason: "reputational"}}
	h = newHarness(t, func(d *Deps, _ *Config) { d.Classifier = high })
	h.succeed(t, req, 20)
	ctx := context.Background()
	if _, err := h.ledger.Grant(ctx, permission.GrantRequest{SubjectID: "agent-1", Operation: "write:post", GrantedBy: "ops"}); err != nil {
		t.Fatal(err)
	}
	d := h.check(t, req)
	if !d.Allowed || !d.RequiresApproval || d.ApprovalLevel < 2 {
		t.Fatalf("high verdict must require approval past trust and grants, got %+v", d)
	}

	low := &fakeClassifier{verdict: risk.Verdict{Level: risk.LevelLow}}
	h = newHarness(t, func(d *Deps, _ *Config) { d.Classifier = low })
	if d := h.check(t, req); !d.RequiresApproval {
		t.Fatal("low verdict must not auto-allow a level 1 operation")
	}

	broken := &fakeClassifier{err: errors.New("timeout")}
	h = newHarness(t, func(d *Deps, _ *Config) { d.Classifier = broken })
	d = h.check(t, req)
	if !d.Allowed || !d.RequiresApproval {
		t.Fatalf("classifier failure must keep the static decision, got %+v", d)
	}

	noContent := &fakeClassifier{}
	h = newHarness(t, func(d *Deps, _ *Config) { d.Classifier = noContent })
	h.check(t, op(model.CategoryWrite, "post", "timeline"))
	if noContent.calls != 0 {
		t.Fatal("classifier must only run on content")
	}
}

func TestContentInspectionBlocksCritical(t *testing.T) {
	h := newHarness(t, nil)
	req := model.OperationRequest{Category: model.CategoryExecute, Action: "sql", Content: "DROP TABLE users;"}
	if d := h.check(t, req); d.Allowed || !strings.Contains(d.Reason, "content inspection") {
		t.Fatalf("expected inspection block, got %+v", d)
	}
}

func TestCredentialLeakBlocksAndRaisesAnomaly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := model.OperationRequest{
		Category: model.CategoryWrite, Action: "post", Target: "timeline",
		Content: "debug: my key is sk-ant-REDACTED",
	}
	if err := h.ovr.Add(ctx, override.Override{Operation: "write:post", Scope: override.ScopeGlobal, Action: override.ActionAllow}); err != nil {
		t.Fatal(err)
	}
	d := h.check(t, req)
	if d.Allowed {
		t.Fatalf("leak must block, got %+v", d)
	}
	found := false
	for _, a := range d.Anomalies {
		if a.Type == model.AnomalyCredentialExposure && a.Severity == model.SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected credential_exposure anomaly, got %+v", d.Anomalies)
	}
	if len(h.detector.Events(ctx, true)) == 0 {
		t.Fatal("leak anomaly must be recorded for review")
	}
}

func TestSanitizedContentReturned(t *testing.T) {
	h := newHarness(t, nil)
	req := model.OperationRequest{Category: model.CategoryRead, Action: "file", Target: "/tmp/x", Content: "password=hunter2"}
	d := h.check(t, req)
	if strings.Contains(d.SanitizedContent, "hunter2") {
		t.Fatalf("credential not redacted: %q", d.SanitizedContent)
	}
	if len(d.Warnings) == 0 {
		t.Fatal("expected redaction warning")
	}
}

func TestTunnelingDomainBlocked(t *testing.T) {
	h := newHarness(t, nil)
	d := h.check(t, op(model.CategoryNetwork, "fetch", "https://abc.ngrok.io/x"))
	if d.Allowed || len(d.Anomalies) == 0 || d.Anomalies[0].Type != model.AnomalyTunnelingDomain {
		t.Fatalf("expected tunneling block, got %+v", d)
	}
}

func TestSelfModificationPausesEverything(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	d := h.check(t, op(model.CategoryWrite, "file", "/home/u/.opwarden/approval-levels.yaml"))
	if d.Allowed {
		t.Fatalf("self modification must block, got %+v", d)
	}
	if !h.detector.IsPaused(ctx) {
		t.Fatal("emergency must pause the detector")
	}
	d = h.check(t, op(model.CategoryRead, "file", "/tmp/harmless"))
	if d.Allowed || !strings.Contains(d.Reason, "paused") {
		t.Fatalf("paused detector must refuse everything, got %+v", d)
	}
	if _, err := h.detector.Resume(ctx, "ops"); err != nil {
		t.Fatal(err)
	}
	if d := h.check(t, op(model.CategoryRead, "file", "/tmp/harmless")); !d.Allowed {
		t.Fatalf("expected allow after resume, got %+v", d)
	}
}

func TestTaskConstraints(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sp, err := h.tasks.Create(ctx, taskspec.CreateRequest{
		SubjectID: "agent-1",
		Title:     "weekly digest",
		Constraints: taskspec.Constraints{
			AllowedOperations:   []string{"read:*", "write:post"},
			ForbiddenOperations: []string{"network:*"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.tasks.Activate(ctx, sp.ID); err != nil {
		t.Fatal(err)
	}

	d := h.check(t, op(model.CategoryNetwork, "fetch", "https://example.com"))
	if d.Allowed || len(d.Anomalies) != 1 || d.Anomalies[0].Type != model.AnomalyTaskViolation {
		t.Fatalf("expected task violation, got %+v", d)
	}
	if d := h.check(t, op(model.CategoryExecute, "shell", "ls")); d.Allowed {
		t.Fatal("operation outside allow list must be blocked")
	}
	if d := h.check(t, op(model.CategoryRead, "file", "/tmp/notes")); !d.Allowed {
		t.Fatalf("allowed operation blocked: %+v", d)
	}

	got, err := h.tasks.Get(ctx, sp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActionCount != 1 || len(got.ExecutionLog) != 1 || got.ExecutionLog[0].Operation != "read:file" {
		t.Fatalf("allowed operation not logged on the task: %+v", got)
	}
}

func TestTimedPermissionSatisfiesApproval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := op(model.CategoryExecute, "shell", "make test")
	p, err := h.ledger.Grant(ctx, permission.GrantRequest{
		SubjectID: "agent-1", Operation: "execute:shell", GrantedBy: "ops", MaxUses: 2, Duration: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if d := h.check(t, req); !d.Allowed || d.RequiresApproval {
			t.Fatalf("check %d: grant should satisfy approval, got %+v", i, d)
		}
	}
	if d := h.check(t, req); !d.RequiresApproval {
		t.Fatal("exhausted grant must not satisfy approval")
	}
	list, err := h.ledger.List(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != p.ID || !list[0].Revoked {
		t.Fatalf("grant should be revoked at cap: %+v", list)
	}
}

func TestPanicResolvesToBlock(t *testing.T) {
	boom := GovernorFunc(func(context.Context, model.OperationRequest, model.SecurityContext) (Verdict, error) {
		panic("nil map")
	})
	h := newHarness(t, func(d *Deps, _ *Config) { d.Governor = boom })
	d := h.check(t, op(model.CategoryRead, "file", "/tmp/x"))
	if d.Allowed {
		t.Fatal("panic must resolve to allowed=false")
	}
	entries, _ := h.chain.Entries(context.Background())
	if len(entries) == 0 || entries[len(entries)-1].Result != "blocked" {
		t.Fatal("panicked evaluation must still be audited")
	}
}

type panickingAuditor struct{}

func (panickingAuditor) Append(context.Context, audit.Record) (audit.Entry, error) {
	panic("nil chain head")
}

func TestPanicWhileRecordingResolvesToBlock(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Config) { d.Audit = panickingAuditor{} })
	d := h.check(t, op(model.CategoryRead, "file", "/tmp/x"))
	if d.Allowed || d.Reason != "internal error during authorization" {
		t.Fatalf("panic after evaluation must resolve to a block, got %+v", d)
	}
}

type failingAuditor struct{}

func (failingAuditor) Append(context.Context, audit.Record) (audit.Entry, error) {
	return audit.Entry{}, errors.New("disk full")
}

func TestAuditFailureFailsClosed(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Config) { d.Audit = failingAuditor{} })
	d := h.check(t, op(model.CategoryRead, "file", "/tmp/x"))
	if d.Allowed || !strings.Contains(d.Reason, "audit") {
		t.Fatalf("expected fail-closed block, got %+v", d)
	}

	h = newHarness(t, func(d *Deps, c *Config) {
		d.Audit = failingAuditor{}
		c.FailClosed = false
	})
	if d := h.check(t, op(model.CategoryRead, "file", "/tmp/x")); !d.Allowed {
		t.Fatalf("fail-open mode should allow, got %+v", d)
	}
}

func TestSuggest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		h.check(t, op(model.CategoryNetwork, "fetch", "https://example.com"))
	}
	for i := 0; i < 6; i++ {
		h.check(t, op(model.CategoryWrite, "post", "timeline"))
	}
	if err := h.ovr.Add(ctx, override.Override{Operation: "write:post", Target: "blocked", Scope: override.ScopeGlobal, Action: override.ActionBlock, Reason: "no"}); err != nil {
		t.Fatal(err)
	}
	h.check(t, op(model.CategoryWrite, "post", "blocked"))
	for i := 0; i < 6; i++ {
		h.check(t, op(model.CategoryCredential, "read", "vault"))
	}

	got, err := h.e.Suggest(ctx, SuggestOptions{MinApprovals: 5})
	if err != nil {
		t.Fatal(err)
	}
	// write:post has an override and a block; credential:read is elevated.
	if len(got) != 1 || got[0].Approvals != 6 || got[0].Override.Action != override.ActionAllow {
		t.Fatalf("expected one network:fetch suggestion, got %+v", got)
	}
}

func TestNewRequiresLayers(t *testing.T) {
	if _, err := New(Deps{}, Config{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

func TestOutcomeRequiresAllowedCheck(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	shell := op(model.CategoryExecute, "shell", "make test")

	for i := 0; i < 5; i++ {
		if err := h.e.RecordOutcome(ctx, shell, agent, true); !errors.Is(err, ErrNoMatchingCheck) {
			t.Fatalf("outcome %d without a check: err = %v", i, err)
		}
	}
	if d := h.check(t, shell); !d.RequiresApproval {
		t.Fatalf("rejected outcomes must not build trust, got %+v", d)
	}
	if err := h.e.RecordOutcome(ctx, shell, agent, true); !errors.Is(err, ErrNoMatchingCheck) {
		t.Fatalf("a check awaiting approval must not accept an outcome: err = %v", err)
	}
	if _, found := h.trust.Lookup(ctx, "execute:shell", "make test", "agent-1"); found {
		t.Fatal("no trust entry expected")
	}

	notes := op(model.CategoryRead, "file", "/srv/notes.md")
	h.check(t, notes)
	if err := h.e.RecordOutcome(ctx, notes, agent, true); err != nil {
		t.Fatalf("outcome for an allowed check: %v", err)
	}
	if err := h.e.RecordOutcome(ctx, notes, agent, true); !errors.Is(err, ErrNoMatchingCheck) {
		t.Fatalf("one check must answer for one outcome: err = %v", err)
	}

	h.check(t, notes)
	if err := h.e.RecordOutcome(ctx, op(model.CategoryRead, "file", "/srv/other.md"), agent, true); !errors.Is(err, ErrNoMatchingCheck) {
		t.Fatalf("outcome for another target: err = %v", err)
	}
	other := model.SecurityContext{UserID: "owner", AgentID: "agent-2", Source: model.SourceAutopilot}
	if err := h.e.RecordOutcome(ctx, notes, other, true); !errors.Is(err, ErrNoMatchingCheck) {
		t.Fatalf("outcome from another subject: err = %v", err)
	}
	h.clock.Advance(2 * time.Hour)
	if err := h.e.RecordOutcome(ctx, notes, agent, true); !errors.Is(err, ErrNoMatchingCheck) {
		t.Fatalf("outcome after the window: err = %v", err)
	}
}

func TestActionSpellingCannotDodgeHardBlock(t *testing.T) {
	h := newHarness(t, nil)
	for _, action := range []string{"Write", "write ", " WRITE"} {
		d := h.check(t, op(model.CategoryCredential, action, "vault"))
		if d.Allowed || !strings.Contains(d.Reason, "hard-blocked") {
			t.Fatalf("credential:%q must be hard-blocked, got %+v", action, d)
		}
	}
	d := h.check(t, op("Execute", "Shell", "ls"))
	if !d.Allowed || !d.RequiresApproval || d.ApprovalLevel != 2 {
		t.Fatalf("expected execute:shell approval level, got %+v", d)
	}
	entries, _ := h.chain.Entries(context.Background())
	if last := entries[len(entries)-1]; last.Operation != "execute:shell" {
		t.Fatalf("audit must record the canonical key, got %q", last.Operation)
	}
}

type unreadable struct{ *kv.MemoryStore }

func (unreadable) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection reset")
}

func TestUnreadableTaskConstraintsRequireApproval(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Config) {
		d.Tasks = taskspec.NewStore(unreadable{kv.NewMemoryStore()}, nil, nil)
	})
	ctx := context.Background()

	d := h.check(t, op(model.CategoryRead, "file", "/srv/notes.md"))
	if !d.Allowed || !d.RequiresApproval {
		t.Fatalf("unreadable constraints must require approval, got %+v", d)
	}
	found := false
	for _, w := range d.Warnings {
		if strings.Contains(w, "task constraints unavailable") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an unavailable warning, got %v", d.Warnings)
	}

	if _, err := h.ledger.Grant(ctx, permission.GrantRequest{SubjectID: "agent-1", Operation: "execute:shell", GrantedBy: "ops"}); err != nil {
		t.Fatal(err)
	}
	if d := h.check(t, op(model.CategoryExecute, "shell", "make test")); !d.RequiresApproval {
		t.Fatalf("a grant must not stand in for unreadable constraints, got %+v", d)
	}
}

func TestOpLogSegmentsByDay(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := h.clock.Now()
	h.check(t, op(model.CategoryRead, "file", "/tmp/a"))
	h.clock.Advance(48 * time.Hour)
	h.check(t, op(model.CategoryRead, "file", "/tmp/b"))

	for _, day := range []time.Time{first, h.clock.Now()} {
		if lines, _ := h.store.ReadLines(ctx, SegmentKey(day)); len(lines) != 1 {
			t.Fatalf("segment %s has %d lines, want 1", SegmentKey(day), len(lines))
		}
	}
	recs, err := h.e.oplog.Recent(ctx, h.clock.Now().Add(-time.Hour), h.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Target != "/tmp/b" {
		t.Fatalf("recent = %+v", recs)
	}

	n, err := h.e.TrimOperationLog(ctx, 24*time.Hour)
	if err != nil || n == 0 {
		t.Fatalf("trim = %d, %v", n, err)
	}
	if lines, _ := h.store.ReadLines(ctx, SegmentKey(first)); len(lines) != 0 {
		t.Fatalf("old segment kept %d lines", len(lines))
	}
	if lines, _ := h.store.ReadLines(ctx, SegmentKey(h.clock.Now())); len(lines) != 1 {
		t.Fatal("current segment must survive trimming")
	}
	if n, err := h.e.TrimOperationLog(ctx, 24*time.Hour); err != nil || n != 0 {
		t.Fatalf("second trim = %d, %v; want nothing left to sweep", n, err)
	}
}

func TestSuggestSurfacesOverrideReadError(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Config) {
		d.Overrides = override.NewResolver(unreadable{kv.NewMemoryStore()}, nil)
	})
	if _, err := h.e.Suggest(context.Background(), SuggestOptions{}); err == nil {
		t.Fatal("expected the override read error")
	}
}
