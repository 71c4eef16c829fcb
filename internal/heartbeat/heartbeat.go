// Package heartbeat runs opwarden's periodic housekeeping: expiry sweeps,
// operational log trimming, baseline updates and the daily health report.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/opwarden/internal/anomaly"
	"github.com/ppiankov/opwarden/internal/audit"
	"github.com/ppiankov/opwarden/internal/eventbus"
	"github.com/ppiankov/opwarden/internal/halt"
	"github.com/ppiankov/opwarden/internal/permission"
	"github.com/ppiankov/opwarden/internal/taskspec"
)

// Health severities.
const (
	SeverityOK      = "ok"
	SeverityWarning = "warning"
	SeverityFatal   = "fatal"
)

// Config holds heartbeat intervals.
type Config struct {
	Interval       time.Duration `yaml:"interval"`
	BaselineEvery  time.Duration `yaml:"baseline_every"`
	HealthEvery    time.Duration `yaml:"health_every"`
	PendingWarnMax int           `yaml:"pending_warn_max"`
	OpLogRetention time.Duration `yaml:"oplog_retention"`
}

// DefaultConfig returns a one-minute cycle with hourly baseline folds, a
// daily health report and thirty days of operational log.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		BaselineEvery:  time.Hour,
		HealthEvery:    24 * time.Hour,
		PendingWarnMax: 50,
		OpLogRetention: 30 * 24 * time.Hour,
	}
}

// Verifier checks the audit chain. *audit.Chain satisfies it.
type Verifier interface {
	Verify(ctx context.Context) audit.VerifyResult
}

// OpLogTrimmer drops old operational log days. *engine.Engine
// satisfies it.
type OpLogTrimmer interface {
	TrimOperationLog(ctx context.Context, retention time.Duration) (int, error)
}

// Deps are the components the heartbeat maintains. Any may be nil.
type Deps struct {
	Ledger   *permission.Ledger
	Tasks    *taskspec.Store
	Detector *anomaly.Detector
	Chain    Verifier
	Halt     *halt.Switch
	OpLog    OpLogTrimmer
	Bus      *eventbus.Bus
	Logger   *slog.Logger
}

// HealthReport summarizes system state.
type HealthReport struct {
	At               time.Time          `json:"at"`
	Severity         string             `json:"severity"`
	Chain            audit.VerifyResult `json:"chain"`
	Halted           bool               `json:"halted"`
	DetectorPaused   bool               `json:"detector_paused"`
	PendingAnomalies int                `json:"pending_anomalies"`
	Problems         []string           `json:"problems,omitempty"`
}

// CycleReport describes what one cycle did.
type CycleReport struct {
	At                 time.Time     `json:"at"`
	PermissionsExpired int           `json:"permissions_expired"`
	TasksExpired       int           `json:"tasks_expired"`
	OpLogDaysTrimmed   int           `json:"oplog_days_trimmed"`
	BaselineUpdated    bool          `json:"baseline_updated"`
	Health             *HealthReport `json:"health,omitempty"`
	Errors             []string      `json:"errors,omitempty"`
}

// Runner executes heartbeat cycles.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	lastBaseline time.Time
	lastHealth   time.Time
}

// New creates a Runner. Zero config fields take defaults.
func New(deps Deps, cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BaselineEvery <= 0 {
		cfg.BaselineEvery = def.BaselineEvery
	}
	if cfg.HealthEvery <= 0 {
		cfg.HealthEvery = def.HealthEvery
	}
	if cfg.PendingWarnMax <= 0 {
		cfg.PendingWarnMax = def.PendingWarnMax
	}
	if cfg.OpLogRetention <= 0 {
		cfg.OpLogRetention = def.OpLogRetention
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock overrides time.Now, for tests.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// Run cycles until ctx is cancelled. The first cycle runs immediately.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Cycle(ctx)
		}
	}
}

// Cycle runs one pass. Sweeps run every time; the baseline fold and the
// health report run when their interval has elapsed since the last one.
// The first cycle only records the start time for both.
func (r *Runner) Cycle(ctx context.Context) CycleReport {
	now := r.now()
	rep := CycleReport{At: now}

	if r.deps.Ledger != nil {
		n, err := r.deps.Ledger.SweepExpired(ctx)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("permission sweep: %v", err))
		}
		rep.PermissionsExpired = n
	}
	if r.deps.Tasks != nil {
		n, err := r.deps.Tasks.SweepExpired(ctx)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("task sweep: %v", err))
		}
		rep.TasksExpired = n
	}
	if r.deps.OpLog != nil {
		n, err := r.deps.OpLog.TrimOperationLog(ctx, r.cfg.OpLogRetention)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("op log trim: %v", err))
		}
		rep.OpLogDaysTrimmed = n
	}

	r.mu.Lock()
	if r.lastBaseline.IsZero() {
		r.lastBaseline = now
	}
	if r.lastHealth.IsZero() {
		r.lastHealth = now
	}
	doBaseline := now.Sub(r.lastBaseline) >= r.cfg.BaselineEvery
	doHealth := now.Sub(r.lastHealth) >= r.cfg.HealthEvery
	if doBaseline {
		r.lastBaseline = now
	}
	if doHealth {
		r.lastHealth = now
	}
	r.mu.Unlock()

	if doBaseline && r.deps.Detector != nil {
		if err := r.deps.Detector.UpdateBaseline(ctx); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("baseline update: %v", err))
		} else {
			rep.BaselineUpdated = true
		}
	}
	if doHealth {
		h := r.Health(ctx)
		rep.Health = &h
	}

	for _, e := range rep.Errors {
		r.logger.Warn("heartbeat: cycle error", "error", e)
	}
	if rep.PermissionsExpired > 0 || rep.TasksExpired > 0 {
		r.logger.Info("heartbeat: swept expired grants",
			"permissions", rep.PermissionsExpired, "tasks", rep.TasksExpired)
	}
	return rep
}

// Health builds, logs and publishes a health report. A broken audit
// chain is fatal.
func (r *Runner) Health(ctx context.Context) HealthReport {
	h := HealthReport{At: r.now().UTC(), Severity: SeverityOK}

	if r.deps.Chain != nil {
		h.Chain = r.deps.Chain.Verify(ctx)
		if !h.Chain.Valid {
			h.Severity = SeverityFatal
			at := "unknown"
			if h.Chain.BrokenAtSeq != nil {
				at = fmt.Sprintf("%d", *h.Chain.BrokenAtSeq)
			}
			h.Problems = append(h.Problems, fmt.Sprintf("audit chain broken at seq %s: %s", at, h.Chain.Reason))
		}
	}
	if r.deps.Halt != nil && r.deps.Halt.IsHalted(ctx) {
		h.Halted = true
		h.Problems = append(h.Problems, "system halted")
		h.raise(SeverityWarning)
	}
	if r.deps.Detector != nil {
		st := r.deps.Detector.State(ctx)
		if st.Paused {
			h.DetectorPaused = true
			h.Problems = append(h.Problems, "anomaly detector paused: "+st.PauseReason)
			h.raise(SeverityWarning)
		}
		h.PendingAnomalies = len(r.deps.Detector.Events(ctx, true))
		if h.PendingAnomalies > r.cfg.PendingWarnMax {
			h.Problems = append(h.Problems, fmt.Sprintf("%d anomalies awaiting review", h.PendingAnomalies))
			h.raise(SeverityWarning)
		}
	}

	switch h.Severity {
	case SeverityFatal:
		r.logger.Error("heartbeat: health check failed", "problems", h.Problems, "entries", h.Chain.Count)
	case SeverityWarning:
		r.logger.Warn("heartbeat: health degraded", "problems", h.Problems)
	default:
		r.logger.Info("heartbeat: healthy", "entries", h.Chain.Count, "pending_anomalies", h.PendingAnomalies)
	}
	if r.deps.Bus != nil {
		r.deps.Bus.Emit(eventbus.NewEvent(eventbus.TypeHealth, h))
	}
	return h
}

func (h *HealthReport) raise(sev string) {
	if h.Severity == SeverityOK {
		h.Severity = sev
	}
}
