// Package anomaly detects behavior that departs from a learned baseline
// or matches known-dangerous patterns, and owns the detector pause state.
package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/opwarden/internal/audit"
	"github.com/ppiankov/opwarden/internal/kv"
	"github.com/ppiankov/opwarden/internal/model"
)

// ErrNotFound is returned by MarkReviewed for an unknown event id.
var ErrNotFound = errors.New("anomaly: event not found")

// Config tunes the detector.
type Config struct {
	Alpha           float64       `yaml:"alpha"`
	RateTolerance   float64       `yaml:"rate_tolerance"`
	CriticalFactor  float64       `yaml:"critical_factor"`
	MinRate         float64       `yaml:"min_rate"`
	RateWindow      time.Duration `yaml:"rate_window"`
	AutoBlockRate   bool          `yaml:"auto_block_rate"`
	LearningUpdates int           `yaml:"learning_updates"`
	OffHoursRatio   float64       `yaml:"off_hours_ratio"`
	MaxEvents       int           `yaml:"max_events"`
}

// DefaultConfig returns the stock tuning: α=0.1 with hourly updates, a
// 3x rate tolerance and one day of learning before novelty checks fire.
func DefaultConfig() Config {
	return Config{
		Alpha:           0.1,
		RateTolerance:   3,
		CriticalFactor:  10,
		MinRate:         30,
		RateWindow:      time.Hour,
		LearningUpdates: 24,
		OffHoursRatio:   0.05,
		MaxEvents:       500,
	}
}

// Auditor records detector events. *audit.Chain satisfies it.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// Publisher receives every recorded event.
type Publisher interface {
	Publish(model.Anomaly)
}

// State is the detector's running/paused switch.
type State struct {
	Paused      bool       `json:"paused"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	PauseReason string     `json:"pause_reason,omitempty"`
	PausedBy    string     `json:"paused_by,omitempty"`
	ResumedAt   *time.Time `json:"resumed_at,omitempty"`
	ResumedBy   string     `json:"resumed_by,omitempty"`
}

type persistedEvents struct {
	State  State           `json:"state"`
	Events []model.Anomaly `json:"events"`
}

// Option configures a Detector.
type Option func(*Detector)

// WithAuditor records events and pause transitions in the audit chain.
func WithAuditor(a Auditor) Option {
	return func(d *Detector) { d.auditor = a }
}

// WithPublisher fans recorded events out to subscribers.
func WithPublisher(p Publisher) Option {
	return func(d *Detector) { d.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// Detector is the stateful anomaly detector. One instance is owned by
// the host process and shared by every caller.
type Detector struct {
	store     kv.Store
	cfg       Config
	patterns  atomic.Pointer[Patterns]
	auditor   Auditor
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	loaded     bool
	baseline   *Baseline
	window     map[string][]time.Time
	hourCounts map[string]int
	hourStart  time.Time
	state      State
	events     []model.Anomaly
}

// New creates a Detector. A nil patterns uses the built-in catalog.
func New(store kv.Store, cfg Config, patterns *Patterns, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.RateTolerance <= 1 {
		cfg.RateTolerance = def.RateTolerance
	}
	if cfg.CriticalFactor <= cfg.RateTolerance {
		cfg.CriticalFactor = cfg.RateTolerance * 3
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	d := &Detector{
		store:      store,
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
		baseline:   NewBaseline(),
		window:     make(map[string][]time.Time),
		hourCounts: make(map[string]int),
	}
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	d.patterns.Store(patterns)
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetPatterns swaps the pattern catalog. Safe to call concurrently.
func (d *Detector) SetPatterns(p *Patterns) {
	if p != nil {
		d.patterns.Store(p)
	}
}

// SetPublisher attaches a publisher after construction.
func (d *Detector) SetPublisher(p Publisher) {
	d.mu.Lock()
	d.publisher = p
	d.mu.Unlock()
}

// loadLocked reads persisted baseline, events and pause state once.
// A read failure leaves the detector empty and running; the next
// persist overwrites whatever was unreadable.
func (d *Detector) loadLocked(ctx context.Context) {
	if d.loaded {
		return
	}
	d.loaded = true
	d.hourStart = d.now().UTC().Truncate(time.Hour)
	if data, err := d.store.Get(ctx, kv.KeyBaseline); err == nil {
		b := NewBaseline()
		if err := json.Unmarshal(data, b); err != nil {
			d.logger.Warn("anomaly: baseline unreadable, starting fresh", "error", err)
		} else {
			b.ensureMaps()
			d.baseline = b
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		d.logger.Warn("anomaly: baseline read failed", "error", err)
	}
	if data, err := d.store.Get(ctx, kv.KeyAnomalyEvents); err == nil {
		var p persistedEvents
		if err := json.Unmarshal(data, &p); err != nil {
			d.logger.Warn("anomaly: events unreadable, starting fresh", "error", err)
		} else {
			d.state = p.State
			d.events = p.Events
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		d.logger.Warn("anomaly: events read failed", "error", err)
	}
}

func (d *Detector) persistEventsLocked(ctx context.Context) {
	data, err := json.Marshal(persistedEvents{State: d.state, Events: d.events})
	if err != nil {
		d.logger.Error("anomaly: marshal events", "error", err)
		return
	}
	if err := d.store.Set(ctx, kv.KeyAnomalyEvents, data); err != nil {
		d.logger.Error("anomaly: persist events", "error", err)
	}
}

func (d *Detector) persistBaselineLocked(ctx context.Context) error {
	data, err := json.Marshal(d.baseline)
	if err != nil {
		return fmt.Errorf("anomaly: marshal baseline: %w", err)
	}
	if err := d.store.Set(ctx, kv.KeyBaseline, data); err != nil {
		return fmt.Errorf("anomaly: persist baseline: %w", err)
	}
	return nil
}

// Activity returns the rate-tracking key for a request.
func Activity(req model.OperationRequest) string {
	return string(req.Category)
}

func newEvent(typ model.AnomalyType, sev model.Severity, source, desc string, action model.ActionTaken, fields map[string]any) *model.Anomaly {
	return &model.Anomaly{
		Type:           typ,
		Severity:       sev,
		Source:         source,
		Description:    desc,
		Context:        fields,
		ActionTaken:    action,
		RequiresReview: sev.Blocking(),
	}
}

// actionFor maps a configurable severity to the action it implies.
func actionFor(sev model.Severity) model.ActionTaken {
	switch sev {
	case model.SeverityEmergency:
		return model.ActionPaused
	case model.SeverityCritical:
		return model.ActionBlocked
	case model.SeverityWarning:
		return model.ActionWarned
	default:
		return model.ActionLogged
	}
}

// Observe counts one occurrence of the request's activity. The engine
// calls it for every check so the rate window reflects attempts, not
// only successes.
func (d *Detector) Observe(ctx context.Context, req model.OperationRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadLocked(ctx)
	now := d.now().UTC()
	a := Activity(req)
	d.window[a] = append(pruneBefore(d.window[a], now.Add(-d.cfg.RateWindow)), now)
	d.hourCounts[a]++
}

// Learn adds the request's domain or path prefix to the baseline.
// Called for operations that were allowed.
func (d *Detector) Learn(ctx context.Context, req model.OperationRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadLocked(ctx)
	switch req.Category {
	case model.CategoryNetwork:
		if h := hostOf(req.Target); h != "" {
			d.baseline.KnownDomains[registrable(h)] = true
		}
	case model.CategoryRead, model.CategoryWrite:
		if p := pathPrefix(req.Target); p != "" {
			d.baseline.KnownPathPrefixes[p] = true
		}
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// learningLocked reports whether the baseline is still too young for novelty
// checks to mean anything.
func (d *Detector) learningLocked() bool {
	return d.baseline.Updates < d.cfg.LearningUpdates
}

// CheckRate compares the activity count inside the rate window with the
// learned hourly rate. A floor keeps a cold baseline from flagging
// ordinary use.
func (d *Detector) CheckRate(ctx context.Context, activity string) *model.Anomaly {
	d.mu.Lock()
	d.loadLocked(ctx)
	now := d.now().UTC()
	d.window[activity] = pruneBefore(d.window[activity], now.Add(-d.cfg.RateWindow))
	count := len(d.window[activity])
	expected := d.baseline.Rates[activity]
	d.mu.Unlock()

	if expected < d.cfg.MinRate {
		expected = d.cfg.MinRate
	}
	fields := map[string]any{"activity": activity, "count": count, "expected": expected}
	switch {
	case float64(count) > expected*d.cfg.CriticalFactor:
		return newEvent(model.AnomalyRateSpike, model.SeverityCritical, "rate_monitor",
			fmt.Sprintf("%s rate %d/window exceeds %.0fx baseline", activity, count, d.cfg.CriticalFactor),
			model.ActionBlocked, fields)
	case float64(count) > expected*d.cfg.RateTolerance:
		action := model.ActionWarned
		if d.cfg.AutoBlockRate {
			action = model.ActionBlocked
		}
		return newEvent(model.AnomalyRateSpike, model.SeverityWarning, "rate_monitor",
			fmt.Sprintf("%s rate %d/window exceeds %.0fx baseline", activity, count, d.cfg.RateTolerance),
			action, fields)
	}
	return nil
}

// CheckFilePath flags sensitive paths and, once the baseline has
// learned, paths outside every known prefix.
func (d *Detector) CheckFilePath(ctx context.Context, p string) *model.Anomaly {
	if p == "" {
		return nil
	}
	if name, ok := firstMatch(d.patterns.Load().sensitivePaths, p); ok {
		return newEvent(model.AnomalySensitiveFileAccess, model.SeverityCritical, "file_monitor",
			"access to sensitive path "+p, model.ActionBlocked,
			map[string]any{"path": p, "pattern": name})
	}
	prefix := pathPrefix(p)
	if prefix == "" {
		return nil
	}
	d.mu.Lock()
	d.loadLocked(ctx)
	known := d.baseline.KnownPathPrefixes[prefix]
	learning := d.learningLocked()
	d.mu.Unlock()
	if known || learning {
		return nil
	}
	return newEvent(model.AnomalyUnusualFileAccess, model.SeverityWarning, "file_monitor",
		"path outside known prefixes: "+p, model.ActionWarned,
		map[string]any{"path": p, "prefix": prefix})
}

// CheckNetwork flags tunneling services and, once learned, unknown
// domains. Trusted domains are never flagged as unknown.
func (d *Detector) CheckNetwork(ctx context.Context, target string) *model.Anomaly {
	host := hostOf(target)
	if host == "" {
		return nil
	}
	pat := d.patterns.Load()
	if name, ok := firstMatch(pat.tunnelingDomains, host); ok {
		return newEvent(model.AnomalyTunnelingDomain, model.SeverityCritical, "network_monitor",
			"connection to tunneling service "+host, model.ActionBlocked,
			map[string]any{"host": host, "pattern": name})
	}
	domain := registrable(host)
	if pat.trustedDomains[host] || pat.trustedDomains[domain] {
		return nil
	}
	d.mu.Lock()
	d.loadLocked(ctx)
	known := d.baseline.KnownDomains[domain]
	learning := d.learningLocked()
	d.mu.Unlock()
	if known || learning {
		return nil
	}
	return newEvent(model.AnomalyUnknownDomain, model.SeverityWarning, "network_monitor",
		"first contact with "+domain, model.ActionWarned,
		map[string]any{"host": host, "domain": domain})
}

// CheckSelfModification flags mutating operations aimed at opwarden
// itself and content that tries to switch safety controls off. Both are
// emergencies: the detector pauses.
func (d *Detector) CheckSelfModification(req model.OperationRequest) *model.Anomaly {
	if req.Category != model.CategoryRead && model.IsSelfTargeting(req) {
		return newEvent(model.AnomalySelfModification, model.SeverityEmergency, "self_guard",
			"operation targets opwarden: "+req.Key()+" "+req.Target, model.ActionPaused,
			map[string]any{"operation": req.Key(), "target": req.Target})
	}
	if name, ok := firstMatch(d.patterns.Load().selfModification, req.Content); ok {
		return newEvent(model.AnomalySelfModification, model.SeverityEmergency, "self_guard",
			"content attempts to disable safety controls", model.ActionPaused,
			map[string]any{"operation": req.Key(), "pattern": name})
	}
	return nil
}

// CheckExfiltration scans content for data-exfiltration idioms.
func (d *Detector) CheckExfiltration(content string) *model.Anomaly {
	if name, ok := firstMatch(d.patterns.Load().exfiltration, content); ok {
		return newEvent(model.AnomalyExfiltrationAttempt, model.SeverityCritical, "content_scanner",
			"exfiltration pattern "+name, model.ActionBlocked,
			map[string]any{"pattern": name})
	}
	return nil
}

// CheckCredentialLeak scans outbound content for credential material.
func (d *Detector) CheckCredentialLeak(content string) *model.Anomaly {
	n, names := countMatches(d.patterns.Load().credentials, content)
	if n == 0 {
		return nil
	}
	return newEvent(model.AnomalyCredentialExposure, model.SeverityCritical, "leak_guard",
		fmt.Sprintf("outbound content carries credential material (%s)", strings.Join(names, ", ")),
		model.ActionBlocked, map[string]any{"matches": n, "patterns": names})
}

// CheckRecursivePrompt flags self-invoking or runaway prompt content.
func (d *Detector) CheckRecursivePrompt(content string) *model.Anomaly {
	pat := d.patterns.Load()
	if name, ok := firstMatch(pat.recursivePrompt, content); ok {
		return newEvent(model.AnomalyRecursivePrompt, pat.recursiveSeverity, "content_scanner",
			"recursive prompt pattern "+name, actionFor(pat.recursiveSeverity),
			map[string]any{"pattern": name})
	}
	return nil
}

// CheckPromptInjection flags instruction-override phrasing.
func (d *Detector) CheckPromptInjection(content string) *model.Anomaly {
	pat := d.patterns.Load()
	if name, ok := firstMatch(pat.promptInjection, content); ok {
		return newEvent(model.AnomalyPromptInjection, pat.injectionSeverity, "content_scanner",
			"prompt injection pattern "+name, actionFor(pat.injectionSeverity),
			map[string]any{"pattern": name})
	}
	return nil
}

// CheckOffHours flags activity in an hour the baseline has almost never
// seen activity in.
func (d *Detector) CheckOffHours(ctx context.Context, at time.Time) *model.Anomaly {
	d.mu.Lock()
	d.loadLocked(ctx)
	learning := d.learningLocked()
	hourly := d.baseline.Hourly
	d.mu.Unlock()
	if learning {
		return nil
	}
	peak := 0.0
	for _, v := range hourly {
		if v > peak {
			peak = v
		}
	}
	h := at.UTC().Hour()
	if peak == 0 || hourly[h] >= peak*d.cfg.OffHoursRatio {
		return nil
	}
	return newEvent(model.AnomalyOffHoursActivity, model.SeverityInfo, "schedule_monitor",
		fmt.Sprintf("activity at %02d:00 UTC, outside usual hours", h), model.ActionLogged,
		map[string]any{"hour": h, "hour_rate": hourly[h], "peak_rate": peak})
}

// TaskViolation builds the event raised when a task constraint denies.
func TaskViolation(req model.OperationRequest, specID, reason string) *model.Anomaly {
	return newEvent(model.AnomalyTaskViolation, model.SeverityWarning, "task_constraints",
		reason, model.ActionBlocked,
		map[string]any{"operation": req.Key(), "target": req.Target, "task_id": specID})
}

// Scan runs the target and content checks that apply to req, records
// every finding and returns them. The credential leak check is not part
// of Scan; it runs separately on outbound content only.
func (d *Detector) Scan(ctx context.Context, req model.OperationRequest, sc model.SecurityContext) []model.Anomaly {
	var found []*model.Anomaly
	add := func(a *model.Anomaly) {
		if a != nil {
			found = append(found, a)
		}
	}
	switch req.Category {
	case model.CategoryNetwork:
		add(d.CheckNetwork(ctx, req.Target))
	case model.CategoryRead, model.CategoryWrite:
		add(d.CheckFilePath(ctx, req.Target))
	}
	add(d.CheckSelfModification(req))
	if req.Content != "" {
		add(d.CheckExfiltration(req.Content))
		add(d.CheckRecursivePrompt(req.Content))
		add(d.CheckPromptInjection(req.Content))
	}
	add(d.CheckRate(ctx, Activity(req)))
	if req.Category != model.CategoryRead {
		add(d.CheckOffHours(ctx, d.now()))
	}

	out := make([]model.Anomaly, 0, len(found))
	for _, a := range found {
		if a.Context == nil {
			a.Context = map[string]any{}
		}
		if s := sc.SubjectID(); s != "" {
			a.Context["subject"] = s
		}
		out = append(out, d.Record(ctx, *a))
	}
	return out
}

// Record stamps, stores, audits and publishes an event. An emergency
// event pauses the detector.
func (d *Detector) Record(ctx context.Context, a model.Anomaly) model.Anomaly {
	d.mu.Lock()
	d.loadLocked(ctx)
	now := d.now().UTC()
	if a.ID == "" {
		a.ID = "anom-" + uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	d.events = append(d.events, a)
	if over := len(d.events) - d.cfg.MaxEvents; over > 0 {
		d.events = append([]model.Anomaly(nil), d.events[over:]...)
	}
	paused := false
	if a.Severity == model.SeverityEmergency && !d.state.Paused {
		d.pauseLocked(now, "emergency anomaly: "+a.Description, a.ID)
		paused = true
	}
	d.persistEventsLocked(ctx)
	pub := d.publisher
	d.mu.Unlock()

	d.logger.Warn("anomaly detected",
		"id", a.ID, "type", a.Type, "severity", a.Severity, "action", a.ActionTaken, "description", a.Description)
	d.audit(ctx, audit.Record{
		Event:  audit.EventAnomaly,
		Result: string(a.ActionTaken),
		Reason: a.Description,
		Metadata: map[string]string{
			"anomaly_id": a.ID,
			"type":       string(a.Type),
			"severity":   string(a.Severity),
			"source":     a.Source,
		},
	})
	if paused {
		d.logger.Error("anomaly: detector paused", "event", a.ID)
	}
	if pub != nil {
		pub.Publish(a)
	}
	return a
}

func (d *Detector) pauseLocked(now time.Time, reason, by string) {
	d.state.Paused = true
	d.state.PausedAt = &now
	d.state.PauseReason = reason
	d.state.PausedBy = by
	d.state.ResumedAt = nil
	d.state.ResumedBy = ""
}

func (d *Detector) audit(ctx context.Context, rec audit.Record) {
	if d.auditor == nil {
		return
	}
	if _, err := d.auditor.Append(ctx, rec); err != nil {
		d.logger.Error("anomaly: audit append failed", "event", rec.Event, "error", err)
	}
}

// Pause stops the detector by hand.
func (d *Detector) Pause(ctx context.Context, by, reason string) {
	d.mu.Lock()
	d.loadLocked(ctx)
	d.pauseLocked(d.now().UTC(), reason, by)
	d.persistEventsLocked(ctx)
	d.mu.Unlock()
	d.audit(ctx, audit.Record{Event: audit.EventAnomaly, Result: "paused", UserID: by, Reason: reason})
}

// Resume returns a paused detector to running. It is the only way out
// of the paused state. Returns false when the detector was not paused.
func (d *Detector) Resume(ctx context.Context, by string) (bool, error) {
	if strings.TrimSpace(by) == "" {
		return false, fmt.Errorf("anomaly: resume requires an operator")
	}
	d.mu.Lock()
	d.loadLocked(ctx)
	if !d.state.Paused {
		d.mu.Unlock()
		return false, nil
	}
	now := d.now().UTC()
	prev := d.state.PauseReason
	d.state.Paused = false
	d.state.ResumedAt = &now
	d.state.ResumedBy = by
	d.persistEventsLocked(ctx)
	d.mu.Unlock()

	d.logger.Info("anomaly: detector resumed", "by", by)
	d.audit(ctx, audit.Record{Event: audit.EventDetectorResume, Result: "resumed", UserID: by, Reason: prev})
	return true, nil
}

// IsPaused reports the pause state.
func (d *Detector) IsPaused(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadLocked(ctx)
	return d.state.Paused
}

// State returns a copy of the pause state.
func (d *Detector) State(ctx context.Context) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadLocked(ctx)
	return d.state
}

// Events returns recorded events, oldest first. With pendingOnly set,
// only events still awaiting review are returned.
func (d *Detector) Events(ctx context.Context, pendingOnly bool) []model.Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadLocked(ctx)
	out := make([]model.Anomaly, 0, len(d.events))
	for _, e := range d.events {
		if pendingOnly && !e.RequiresReview {
			continue
		}
		out = append(out, e)
	}
	return out
}

// MarkReviewed clears RequiresReview on one event.
func (d *Detector) MarkReviewed(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadLocked(ctx)
	for i := range d.events {
		if d.events[i].ID == id {
			d.events[i].RequiresReview = false
			d.persistEventsLocked(ctx)
			return nil
		}
	}
	return ErrNotFound
}

// UpdateBaseline folds the activity counted since the last update into
// the baseline and persists it. Meant to run hourly.
func (d *Detector) UpdateBaseline(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadLocked(ctx)
	now := d.now().UTC()
	d.baseline.Fold(d.hourCounts, d.hourStart.Hour(), d.cfg.Alpha, now)
	d.hourCounts = make(map[string]int)
	d.hourStart = now.Truncate(time.Hour)
	return d.persistBaselineLocked(ctx)
}

// SaveBaseline persists the baseline without folding, so learned
// domains and paths survive a restart.
func (d *Detector) SaveBaseline(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadLocked(ctx)
	return d.persistBaselineLocked(ctx)
}

// Baseline returns a deep copy of the current baseline.
func (d *Detector) Baseline(ctx context.Context) Baseline {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadLocked(ctx)
	b := *d.baseline
	b.Rates = make(map[string]float64, len(d.baseline.Rates))
	for k, v := range d.baseline.Rates {
		b.Rates[k] = v
	}
	b.KnownDomains = make(map[string]bool, len(d.baseline.KnownDomains))
	for k, v := range d.baseline.KnownDomains {
		b.KnownDomains[k] = v
	}
	b.KnownPathPrefixes = make(map[string]bool, len(d.baseline.KnownPathPrefixes))
	for k, v := range d.baseline.KnownPathPrefixes {
		b.KnownPathPrefixes[k] = v
	}
	return b
}
