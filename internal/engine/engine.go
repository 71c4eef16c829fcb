// Package engine combines every opwarden layer into one authorization
// decision per operation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/opwarden/internal/anomaly"
	"github.com/ppiankov/opwarden/internal/audit"
	"github.com/ppiankov/opwarden/internal/eventbus"
	"github.com/ppiankov/opwarden/internal/halt"
	"github.com/ppiankov/opwarden/internal/inspect"
	"github.com/ppiankov/opwarden/internal/kv"
	"github.com/ppiankov/opwarden/internal/model"
	"github.com/ppiankov/opwarden/internal/override"
	"github.com/ppiankov/opwarden/internal/permission"
	"github.com/ppiankov/opwarden/internal/policy"
	"github.com/ppiankov/opwarden/internal/risk"
	"github.com/ppiankov/opwarden/internal/taskspec"
	"github.com/ppiankov/opwarden/internal/trust"
)

// Auditor appends to the audit chain. *audit.Chain satisfies it.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// Classifier grades operation content. *risk.Classifier satisfies it.
type Classifier interface {
	Enabled() bool
	Classify(ctx context.Context, req model.OperationRequest) (risk.Verdict, error)
}

// Deps are the layers the engine orchestrates. Halt, Detector, Policy,
// Overrides, Trust, Ledger, Tasks, Audit and Store are required;
// Governor, Classifier, Inspector and Bus are optional.
type Deps struct {
	Halt       *halt.Switch
	Detector   *anomaly.Detector
	Policy     *policy.Table
	Overrides  *override.Resolver
	Trust      *trust.Scorer
	Ledger     *permission.Ledger
	Tasks      *taskspec.Store
	Audit      Auditor
	Store      kv.Store
	Governor   Governor
	Classifier Classifier
	Inspector  *inspect.Inspector
	Bus        *eventbus.Bus
	Logger     *slog.Logger
}

// Config holds engine switches.
type Config struct {
	// FailClosed turns an allowed decision into a block when it cannot
	// be written to the audit chain.
	FailClosed bool `yaml:"fail_closed"`
}

// Engine is safe for concurrent use.
type Engine struct {
	halt       *halt.Switch
	detector   *anomaly.Detector
	overrides  *override.Resolver
	trust      *trust.Scorer
	ledger     *permission.Ledger
	tasks      *taskspec.Store
	checker    *taskspec.Checker
	auditor    Auditor
	oplog      *OpLog
	governor   Governor
	classifier Classifier
	bus        *eventbus.Bus
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time

	policy    atomic.Pointer[policy.Table]
	inspector atomic.Pointer[inspect.Inspector]

	// outcomeMu serializes matching outcomes to allowed checks.
	outcomeMu sync.Mutex
}

// New wires an engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Halt == nil:
		return nil, fmt.Errorf("engine: halt switch is required")
	case deps.Detector == nil:
		return nil, fmt.Errorf("engine: anomaly detector is required")
	case deps.Overrides == nil, deps.Trust == nil, deps.Ledger == nil, deps.Tasks == nil:
		return nil, fmt.Errorf("engine: override, trust, permission and task layers are required")
	case deps.Audit == nil:
		return nil, fmt.Errorf("engine: audit chain is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("engine: store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		halt:       deps.Halt,
		detector:   deps.Detector,
		overrides:  deps.Overrides,
		trust:      deps.Trust,
		ledger:     deps.Ledger,
		tasks:      deps.Tasks,
		checker:    taskspec.NewChecker(deps.Tasks, logger),
		auditor:    deps.Audit,
		oplog:      NewOpLog(deps.Store),
		governor:   deps.Governor,
		classifier: deps.Classifier,
		bus:        deps.Bus,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
	tbl := deps.Policy
	if tbl == nil {
		tbl = policy.DefaultTable()
	}
	e.policy.Store(tbl)
	in := deps.Inspector
	if in == nil {
		in = inspect.NewDefault()
	}
	e.inspector.Store(in)
	return e, nil
}

// SetClock overrides time.Now, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetPolicy swaps the approval table. Used by hot reload.
func (e *Engine) SetPolicy(t *policy.Table) {
	if t != nil {
		e.policy.Store(t)
	}
}

// SetInspector swaps the content inspector. Used by hot reload.
func (e *Engine) SetInspector(in *inspect.Inspector) {
	if in != nil {
		e.inspector.Store(in)
	}
}

func (e *Engine) table() *policy.Table { return e.policy.Load() }

// CheckOperation decides whether req may run. It never executes the
// operation. Every call is audited, whatever the outcome. The category
// and action are normalized first, so "credential:Write " is looked up
// as credential:write.
func (e *Engine) CheckOperation(ctx context.Context, req model.OperationRequest, sc model.SecurityContext) model.Decision {
	req = req.Normalize()
	d := e.safeEvaluate(ctx, req, sc)
	e.safeFinish(ctx, req, sc, &d)
	return d
}

func internalError() model.Decision {
	return model.Decision{
		Allowed:       false,
		Reason:        "internal error during authorization",
		ApprovalLevel: policy.LevelElevated,
	}
}

// safeEvaluate turns a panic anywhere in the pipeline into a block.
func (e *Engine) safeEvaluate(ctx context.Context, req model.OperationRequest, sc model.SecurityContext) (d model.Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: panic during evaluation",
				"operation", req.Key(), "panic", r, "stack", string(debug.Stack()))
			d = internalError()
		}
	}()
	return e.evaluate(ctx, req, sc)
}

// safeFinish turns a panic while recording the decision into a block.
// Whatever finish wrote before panicking stays written.
func (e *Engine) safeFinish(ctx context.Context, req model.OperationRequest, sc model.SecurityContext, d *model.Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: panic while recording decision",
				"operation", req.Key(), "result", d.Result(), "panic", r, "stack", string(debug.Stack()))
			*d = internalError()
		}
	}()
	e.finish(ctx, req, sc, d)
}

// evaluation carries the state of one pass through the pipeline.
type evaluation struct {
	d             model.Decision
	level         int
	requiresHuman bool // governance demanded a human
	forcedAsk     bool // an ask override applies
	riskVeto      bool // the classifier demanded approval
	tasksUnknown  bool // task constraints could not be read
}

func (ev *evaluation) requireApproval(minLevel int) {
	ev.d.RequiresApproval = true
	if ev.d.ApprovalLevel < minLevel {
		ev.d.ApprovalLevel = minLevel
	}
}

func (e *Engine) evaluate(ctx context.Context, req model.OperationRequest, sc model.SecurityContext) model.Decision {
	ev := &evaluation{d: model.Decision{Allowed: true}}
	d := &ev.d
	opKey := req.Key()
	subject := sc.SubjectID()

	if !req.Category.Valid() || req.Action == "" {
		d.Block(fmt.Sprintf("invalid operation %q", opKey))
		return *d
	}

	// 1. Kill switch.
	if st := e.halt.Status(ctx); st.Halted {
		reason := "system halted"
		if st.Reason != "" {
			reason += ": " + st.Reason
		}
		d.Block(reason)
		return *d
	}

	// 2. Detector pause.
	if st := e.detector.State(ctx); st.Paused {
		d.Block("anomaly detector paused: " + st.PauseReason)
		return *d
	}
	e.detector.Observe(ctx, req)

	// 3. Hard blocks.
	tbl := e.table()
	if blocked, why := tbl.IsHardBlocked(req); blocked {
		d.ApprovalLevel = policy.LevelElevated
		d.Block(why)
		return *d
	}

	// 4. Governance hook.
	if e.governor != nil {
		v, err := e.governor.Review(ctx, req, sc)
		switch {
		case err != nil:
			e.logger.Warn("engine: governance hook failed", "operation", opKey, "error", err)
			d.Warn("governance check unavailable; human approval required")
			ev.requiresHuman = true
		case v.Veto:
			reason := "governance veto"
			if v.Reason != "" {
				reason += ": " + v.Reason
			}
			d.Block(reason)
			return *d
		case v.RequiresHuman:
			ev.requiresHuman = true
			if v.Reason != "" {
				d.Warn("governance: " + v.Reason)
			}
		}
	}

	// 5. Base approval level.
	ev.level = tbl.Level(req)
	d.ApprovalLevel = ev.level
	if ev.level > policy.LevelAuto {
		d.RequiresApproval = true
	}
	if ev.requiresHuman {
		ev.requireApproval(policy.LevelApprove)
	}

	// 6. Overrides.
	if ov := e.overrides.Resolve(ctx, opKey, req.Target, sc.AgentID); ov != nil {
		switch ov.Action {
		case override.ActionBlock:
			d.Block("blocked by override: " + ov.Reason)
			return *d
		case override.ActionAsk:
			ev.forcedAsk = true
			ev.requireApproval(policy.LevelConfirm)
		case override.ActionAllow:
			switch {
			case ev.level == policy.LevelAuto:
			case !policy.Waivable(ev.level):
				d.Warn(fmt.Sprintf("allow override ignored for %s operation %s", policy.LevelLabel(ev.level), opKey))
			case ev.requiresHuman:
				d.Warn("allow override ignored: governance requires a human")
			default:
				d.RequiresApproval = false
			}
		}
	}

	// 6a. Task constraints. When they cannot be read, a human decides
	// and neither trust nor a grant can stand in.
	res := e.checker.Check(ctx, subject, req, sc.Source)
	if !res.Allowed {
		a := e.detector.Record(ctx, *anomaly.TaskViolation(req, res.SpecID, res.Reason))
		d.Anomalies = append(d.Anomalies, a)
		d.Block("task constraint: " + res.Reason)
		return *d
	}
	if res.Unavailable {
		e.logger.Warn("engine: task constraints unavailable", "operation", opKey, "subject", subject)
		ev.tasksUnknown = true
		ev.requireApproval(policy.LevelConfirm)
		d.Warn(res.Reason + "; human approval required")
	}

	// 7. Learned trust.
	if d.RequiresApproval && policy.Waivable(d.ApprovalLevel) && !ev.requiresHuman && !ev.forcedAsk && !ev.tasksUnknown {
		if e.trust.ShouldAutoApprove(ctx, opKey, req.Target, sc.AgentID) {
			d.RequiresApproval = false
			d.Warn("auto-approved by trust score")
		}
	}

	// 8. Risk classification. It can add friction, never remove it.
	if req.Content != "" && e.classifier != nil && e.classifier.Enabled() {
		v, err := e.classifier.Classify(ctx, req)
		switch {
		case err != nil:
			e.logger.Warn("engine: risk classification failed", "operation", opKey, "error", err)
			d.Warn("risk classification unavailable")
		case v.Level == risk.LevelCritical:
			d.Block("risk classifier: " + v.Reason)
			return *d
		case v.Level == risk.LevelHigh:
			ev.riskVeto = true
			ev.requireApproval(policy.LevelApprove)
			d.Warn("risk classifier: " + v.Reason)
		}
	}

	// 9. Content inspection.
	if req.Content != "" {
		res := e.inspector.Load().Inspect(req.Content)
		d.SanitizedContent = res.Sanitized
		for _, w := range res.Warnings() {
			d.Warn(w)
		}
		if res.Critical {
			d.Block("content inspection: " + res.CriticalReason())
			return *d
		}
	}

	// 10. Outbound credential leak. Nothing upstream can waive this.
	if req.Content != "" && (req.Category == model.CategoryWrite || req.Category == model.CategoryNetwork) {
		if a := e.detector.CheckCredentialLeak(req.Content); a != nil {
			rec := e.detector.Record(ctx, *a)
			d.Anomalies = append(d.Anomalies, rec)
			d.Block("credential leak: " + rec.Description)
			return *d
		}
	}

	// 11. Target, content and rate anomalies.
	for _, a := range e.detector.Scan(ctx, req, sc) {
		d.Anomalies = append(d.Anomalies, a)
		if a.Severity.Blocking() || a.ActionTaken.Blocking() {
			if d.Allowed {
				d.Block("anomaly: " + a.Description)
			}
			continue
		}
		if a.Severity == model.SeverityWarning {
			d.Warn(a.Description)
		}
	}
	if !d.Allowed {
		return *d
	}

	// 11a. A standing grant satisfies approval the classifier did not veto.
	if d.RequiresApproval && !ev.riskVeto && !ev.tasksUnknown && policy.Waivable(d.ApprovalLevel) {
		if p, ok := e.ledger.Check(ctx, subject, opKey, req.Target); ok {
			d.RequiresApproval = false
			d.Warn("approved by timed permission " + p.ID)
		}
	}
	return *d
}

// finish enforces the decision invariants, writes the audit entry and
// the operational log, and publishes the decision.
func (e *Engine) finish(ctx context.Context, req model.OperationRequest, sc model.SecurityContext, d *model.Decision) {
	d.Finalize()
	opKey := req.Key()

	_, err := e.auditor.Append(ctx, audit.Record{
		Event:     audit.EventOperationCheck,
		Result:    d.Result(),
		Operation: opKey,
		Target:    req.Target,
		UserID:    sc.UserID,
		AgentID:   sc.AgentID,
		Source:    string(sc.Source),
		Reason:    d.Reason,
		Metadata: map[string]string{
			"approval_level": strconv.Itoa(d.ApprovalLevel),
			"warnings":       strconv.Itoa(len(d.Warnings)),
			"anomalies":      strconv.Itoa(len(d.Anomalies)),
			"session_id":     sc.SessionID,
		},
	})
	if err != nil {
		e.logger.Error("engine: audit append failed", "operation", opKey, "error", err)
		if e.cfg.FailClosed && d.Allowed {
			d.Block("audit unavailable: " + err.Error())
			d.RequiresApproval = false
		}
	}

	rec := OpRecord{
		Timestamp: e.now().UTC(),
		Operation: opKey,
		Target:    req.Target,
		Subject:   sc.SubjectID(),
		Source:    string(sc.Source),
		Result:    d.Result(),
		Level:     d.ApprovalLevel,
		Reason:    d.Reason,
	}
	if err := e.oplog.Append(ctx, rec); err != nil {
		e.logger.Warn("engine: op log append failed", "error", err)
	}

	if d.Allowed && !d.RequiresApproval {
		e.detector.Learn(ctx, req)
		if err := e.tasks.RecordExecution(ctx, sc.SubjectID(), opKey, req.Target); err != nil {
			e.logger.Warn("engine: task execution log failed", "error", err)
		}
	}

	e.logger.Debug("operation checked",
		"operation", opKey, "target", req.Target, "subject", sc.SubjectID(),
		"result", d.Result(), "level", d.ApprovalLevel, "reason", d.Reason)
	if e.bus != nil {
		e.bus.Emit(eventbus.NewEvent(eventbus.TypeDecision, rec))
	}
}

// RecordOutcome reports how an allowed operation went. Outcomes feed
// the trust scorer and the audit chain. Each outcome must answer an
// allowed check for the same subject, operation and target made within
// the last hour, and each such check answers for one outcome only;
// anything else returns ErrNoMatchingCheck.
func (e *Engine) RecordOutcome(ctx context.Context, req model.OperationRequest, sc model.SecurityContext, success bool) error {
	req = req.Normalize()
	opKey := req.Key()
	subject := sc.SubjectID()

	e.outcomeMu.Lock()
	defer e.outcomeMu.Unlock()
	pending, err := e.pendingOutcomes(ctx, subject, opKey, req.Target)
	if err != nil {
		return fmt.Errorf("engine: record outcome: %w", err)
	}
	if pending <= 0 {
		e.logger.Warn("engine: outcome without an allowed check",
			"operation", opKey, "target", req.Target, "subject", subject)
		return fmt.Errorf("%w: %s on %q for %s", ErrNoMatchingCheck, opKey, req.Target, subject)
	}

	result := "success"
	if !success {
		result = "failure"
	}
	if err := e.oplog.Append(ctx, OpRecord{
		Timestamp: e.now().UTC(),
		Operation: opKey,
		Target:    req.Target,
		Subject:   subject,
		Source:    string(sc.Source),
		Result:    result,
		Outcome:   true,
	}); err != nil {
		return fmt.Errorf("engine: record outcome: %w", err)
	}

	if success {
		err = e.trust.RecordSuccess(ctx, opKey, req.Target, sc.AgentID)
		e.detector.Learn(ctx, req)
	} else {
		err = e.trust.RecordFailure(ctx, opKey, req.Target, sc.AgentID)
	}
	if _, aerr := e.auditor.Append(ctx, audit.Record{
		Event:     audit.EventOperationOutcome,
		Result:    result,
		Operation: opKey,
		Target:    req.Target,
		UserID:    sc.UserID,
		AgentID:   sc.AgentID,
		Source:    string(sc.Source),
	}); aerr != nil {
		e.logger.Error("engine: audit append failed", "operation", opKey, "error", aerr)
	}
	if err != nil {
		return fmt.Errorf("engine: record outcome: %w", err)
	}
	return nil
}
