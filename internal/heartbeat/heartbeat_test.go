package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/opwarden/internal/anomaly"
	"github.com/ppiankov/opwarden/internal/audit"
	"github.com/ppiankov/opwarden/internal/eventbus"
	"github.com/ppiankov/opwarden/internal/halt"
	"github.com/ppiankov/opwarden/internal/kv"
	"github.com/ppiankov/opwarden/internal/model"
	"github.com/ppiankov/opwarden/internal/permission"
	"github.com/ppiankov/opwarden/internal/taskspec"
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

type fixture struct {
	store    *kv.MemoryStore
	clock    *testClock
	chain    *audit.Chain
	ledger   *permission.Ledger
	tasks    *taskspec.Store
	detector *anomaly.Detector
	halt     *halt.Switch
	bus      *eventbus.Bus
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: kv.NewMemoryStore(),
		clock: &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	f.chain = audit.New(f.store, audit.WithClock(f.clock.Now))
	f.ledger = permission.NewLedger(f.store, f.chain, nil)
	f.ledger.SetClock(f.clock.Now)
	f.tasks = taskspec.NewStore(f.store, f.chain, nil)
	f.tasks.SetClock(f.clock.Now)
	f.detector = anomaly.New(f.store, anomaly.DefaultConfig(), nil,
		anomaly.WithAuditor(f.chain), anomaly.WithClock(f.clock.Now))
	f.halt = halt.NewSwitch(f.store, f.chain, nil)
	f.halt.SetClock(f.clock.Now)
	f.bus = eventbus.New(nil)
	t.Cleanup(func() { f.bus.Close() })

	f.runner = New(Deps{
		Ledger:   f.ledger,
		Tasks:    f.tasks,
		Detector: f.detector,
		Chain:    f.chain,
		Halt:     f.halt,
		Bus:      f.bus,
	}, Config{})
	f.runner.SetClock(f.clock.Now)
	return f
}

func TestCycleSweepsExpiredGrantsAndTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ledger.Grant(ctx, permission.GrantRequest{
		SubjectID: "agent-1", Operation: "network:fetch", Duration: time.Hour, GrantedBy: "ops",
	}); err != nil {
		t.Fatal(err)
	}
	spec, err := f.tasks.Create(ctx, taskspec.CreateRequest{SubjectID: "agent-1", Title: "crawl", MaxDurationMinutes: 30})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.tasks.Activate(ctx, spec.ID); err != nil {
		t.Fatal(err)
	}

	if rep := f.runner.Cycle(ctx); rep.PermissionsExpired != 0 || rep.TasksExpired != 0 {
		t.Fatalf("nothing should expire yet: %+v", rep)
	}

	f.clock.Advance(2 * time.Hour)
	rep := f.runner.Cycle(ctx)
	if rep.PermissionsExpired != 1 || rep.TasksExpired != 1 {
		t.Fatalf("expected one grant and one task swept, got %+v", rep)
	}
	if len(rep.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", rep.Errors)
	}

	got, err := f.tasks.Get(ctx, spec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != taskspec.StatusExpired {
		t.Fatalf("task status = %s, want expired", got.Status)
	}
	if rep := f.runner.Cycle(ctx); rep.PermissionsExpired != 0 || rep.TasksExpired != 0 {
		t.Fatalf("second sweep should be a no-op: %+v", rep)
	}
}

type trimmer struct {
	retention time.Duration
	calls     int
	err       error
}

func (tr *trimmer) TrimOperationLog(_ context.Context, retention time.Duration) (int, error) {
	tr.calls++
	tr.retention = retention
	if tr.err != nil {
		return 0, tr.err
	}
	return 2, nil
}

func TestCycleTrimsOperationLog(t *testing.T) {
	tr := &trimmer{}
	r := New(Deps{OpLog: tr}, Config{})
	rep := r.Cycle(context.Background())
	if tr.calls != 1 || tr.retention != 30*24*time.Hour || rep.OpLogDaysTrimmed != 2 {
		t.Fatalf("trim calls=%d retention=%s report=%+v", tr.calls, tr.retention, rep)
	}

	tr.err = errors.New("connection reset")
	r = New(Deps{OpLog: tr}, Config{OpLogRetention: 72 * time.Hour})
	rep = r.Cycle(context.Background())
	if tr.retention != 72*time.Hour || len(rep.Errors) != 1 {
		t.Fatalf("retention=%s errors=%v", tr.retention, rep.Errors)
	}
}

func TestCycleFoldsBaselineHourly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.runner.Cycle(ctx)
	f.detector.Observe(ctx, model.OperationRequest{Category: model.CategoryRead, Action: "file", Target: "/tmp/a"})

	f.clock.Advance(30 * time.Minute)
	if rep := f.runner.Cycle(ctx); rep.BaselineUpdated {
		t.Fatal("baseline must not fold before an hour has passed")
	}

	f.clock.Advance(31 * time.Minute)
	rep := f.runner.Cycle(ctx)
	if !rep.BaselineUpdated {
		t.Fatalf("expected baseline fold, got %+v", rep)
	}
	if b := f.detector.Baseline(ctx); b.Updates != 1 || b.Rates["read"] == 0 {
		t.Fatalf("unexpected baseline %+v", b)
	}
}

func TestDailyHealthReportOnSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if rep := f.runner.Cycle(ctx); rep.Health != nil {
		t.Fatal("first cycle must not report health")
	}
	f.clock.Advance(25 * time.Hour)
	rep := f.runner.Cycle(ctx)
	if rep.Health == nil {
		t.Fatal("expected a health report after a day")
	}
	if rep.Health.Severity != SeverityOK {
		t.Fatalf("severity = %s, problems %v", rep.Health.Severity, rep.Health.Problems)
	}
}

func TestBrokenChainIsFatalAndPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.chain.Append(ctx, audit.Record{Event: audit.EventOperationCheck, Result: "allowed", Operation: "read:file"}); err != nil {
			t.Fatal(err)
		}
	}
	lines, err := f.store.ReadLines(ctx, kv.KeyAuditChain)
	if err != nil {
		t.Fatal(err)
	}
	lines[1] = bytes.Replace(lines[1], []byte(`"allowed"`), []byte(`"blocked"`), 1)
	f.store.ReplaceLines(kv.KeyAuditChain, lines)

	ch := f.bus.Subscribe(4)
	defer f.bus.Unsubscribe(ch)

	h := f.runner.Health(ctx)
	if h.Severity != SeverityFatal {
		t.Fatalf("severity = %s, want fatal", h.Severity)
	}
	if h.Chain.BrokenAtSeq == nil || *h.Chain.BrokenAtSeq != 1 {
		t.Fatalf("broken seq = %v, want 1", h.Chain.BrokenAtSeq)
	}

	select {
	case evt := <-ch:
		if evt.Type != eventbus.TypeHealth {
			t.Fatalf("event type = %s", evt.Type)
		}
		var got HealthReport
		if err := json.Unmarshal(evt.Data, &got); err != nil {
			t.Fatal(err)
		}
		if got.Severity != SeverityFatal {
			t.Fatalf("published severity = %s", got.Severity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for health event")
	}
}

func TestHealthWarnsOnHaltAndPausedDetector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.halt.Halt(ctx, "ops", "maintenance"); err != nil {
		t.Fatal(err)
	}
	f.detector.Pause(ctx, "ops", "investigating")

	h := f.runner.Health(ctx)
	if h.Severity != SeverityWarning || !h.Halted || !h.DetectorPaused {
		t.Fatalf("unexpected report %+v", h)
	}
	if len(h.Problems) != 2 {
		t.Fatalf("problems = %v", h.Problems)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNilDepsAreSkipped(t *testing.T) {
	r := New(Deps{}, Config{})
	rep := r.Cycle(context.Background())
	if len(rep.Errors) != 0 {
		t.Fatalf("unexpected errors %v", rep.Errors)
	}
	if h := r.Health(context.Background()); h.Severity != SeverityOK {
		t.Fatalf("severity = %s", h.Severity)
	}
}
