package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/opwarden/internal/kv"
	"github.com/ppiankov/opwarden/internal/model"
	"github.com/ppiankov/opwarden/internal/override"
	"github.com/ppiankov/opwarden/internal/policy"
)

const (
	segmentLayout = "2006-01-02"
	// trimLookback bounds how far back the first Trim after start looks
	// for stale segments.
	trimLookback = 366 * 24 * time.Hour
)

// OpRecord is one line of the rolling operational log. Outcome records
// carry the reported result ("success" or "failure") and are ignored by
// Suggest.
type OpRecord struct {
	Timestamp time.Time `json:"ts"`
	Operation string    `json:"operation"`
	Target    string    `json:"target,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Source    string    `json:"source,omitempty"`
	Result    string    `json:"result"`
	Level     int       `json:"level"`
	Reason    string    `json:"reason,omitempty"`
	Outcome   bool      `json:"outcome,omitempty"`
}

// OpLog appends decisions to one log per UTC day under
// kv.KeyOperationLog, so reads touch only the days asked for and old
// days can be dropped whole.
type OpLog struct {
	store kv.Store

	mu        sync.Mutex
	trimmedTo time.Time
}

// NewOpLog returns an OpLog over store.
func NewOpLog(store kv.Store) *OpLog {
	return &OpLog{store: store}
}

// SegmentKey is the log key holding records for t's UTC day.
func SegmentKey(t time.Time) string {
	return kv.KeyOperationLog + "/" + t.UTC().Format(segmentLayout)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Append writes one record to the segment of its timestamp.
func (l *OpLog) Append(ctx context.Context, rec OpRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("engine: marshal op record: %w", err)
	}
	if err := l.store.Append(ctx, SegmentKey(rec.Timestamp), data); err != nil {
		return fmt.Errorf("engine: append op record: %w", err)
	}
	return nil
}

// Recent returns records in [since, until], oldest first. Only the
// segments for days inside the range are read. Unparseable lines are
// skipped.
func (l *OpLog) Recent(ctx context.Context, since, until time.Time) ([]OpRecord, error) {
	var out []OpRecord
	for day := startOfDay(since); !day.After(until); day = day.AddDate(0, 0, 1) {
		lines, err := l.store.ReadLines(ctx, SegmentKey(day))
		if err != nil {
			return nil, fmt.Errorf("engine: read op log %s: %w", day.Format(segmentLayout), err)
		}
		for _, line := range lines {
			var rec OpRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			if rec.Timestamp.Before(since) || rec.Timestamp.After(until) {
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// Trim drops every segment for a day that ended before cutoff. It
// returns the number of days swept. Stores that cannot drop logs are
// left alone.
func (l *OpLog) Trim(ctx context.Context, cutoff time.Time) (int, error) {
	end := startOfDay(cutoff)

	l.mu.Lock()
	defer l.mu.Unlock()
	start := l.trimmedTo
	if start.IsZero() {
		start = startOfDay(end.Add(-trimLookback))
	}
	n := 0
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		ok, err := kv.DropLog(ctx, l.store, SegmentKey(day))
		if err != nil {
			return n, fmt.Errorf("engine: trim op log %s: %w", day.Format(segmentLayout), err)
		}
		if !ok {
			return n, nil
		}
		n++
	}
	if end.After(l.trimmedTo) {
		l.trimmedTo = end
	}
	return n, nil
}

// TrimOperationLog drops operational log days older than retention.
func (e *Engine) TrimOperationLog(ctx context.Context, retention time.Duration) (int, error) {
	return e.oplog.Trim(ctx, e.now().Add(-retention))
}

// outcomeWindow is how long after an allowed check its outcome may be
// reported.
const outcomeWindow = time.Hour

// ErrNoMatchingCheck is returned by RecordOutcome when no recent allowed
// check for the same subject, operation and target is left to report on.
var ErrNoMatchingCheck = errors.New("engine: no allowed check awaiting an outcome")

// pendingOutcomes counts allowed checks inside the outcome window that
// have not had an outcome reported yet.
func (e *Engine) pendingOutcomes(ctx context.Context, subject, opKey, target string) (int, error) {
	now := e.now()
	recs, err := e.oplog.Recent(ctx, now.Add(-outcomeWindow), now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if r.Subject != subject || r.Operation != opKey || r.Target != target {
			continue
		}
		switch {
		case r.Outcome:
			n--
		case r.Result == "allowed":
			n++
		}
	}
	return n, nil
}

// Suggestion proposes an allow override learned from the log.
type Suggestion struct {
	Override  override.Override `json:"override"`
	Approvals int               `json:"approvals"`
	Allowed   int               `json:"allowed"`
}

// SuggestOptions bounds Suggest.
type SuggestOptions struct {
	Window       time.Duration
	MinApprovals int
}

// Suggest proposes global allow overrides for operations that keep
// needing approval and were never blocked inside the window. Elevated
// and hard-blocked operations are never proposed, and neither are
// operations that already have an override.
func (e *Engine) Suggest(ctx context.Context, opts SuggestOptions) ([]Suggestion, error) {
	if opts.Window <= 0 {
		opts.Window = 7 * 24 * time.Hour
	}
	if opts.MinApprovals <= 0 {
		opts.MinApprovals = 5
	}
	now := e.now()
	recs, err := e.oplog.Recent(ctx, now.Add(-opts.Window), now)
	if err != nil {
		return nil, err
	}

	type tally struct {
		approvals, allowed, blocked, level int
	}
	byOp := make(map[string]*tally)
	for _, r := range recs {
		if r.Outcome {
			continue
		}
		t := byOp[r.Operation]
		if t == nil {
			t = &tally{}
			byOp[r.Operation] = t
		}
		if r.Level > t.level {
			t.level = r.Level
		}
		switch r.Result {
		case "approval_required":
			t.approvals++
		case "allowed":
			t.allowed++
		case "blocked":
			t.blocked++
		}
	}

	existing, err := e.overrides.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list overrides: %w", err)
	}
	has := make(map[string]bool, len(existing))
	for _, o := range existing {
		has[o.Operation] = true
	}

	tbl := e.table()
	var out []Suggestion
	for op, t := range byOp {
		if t.blocked > 0 || t.approvals < opts.MinApprovals || !policy.Waivable(t.level) || has[op] {
			continue
		}
		if blocked, _ := tbl.IsHardBlocked(model.ParseKey(op)); blocked {
			continue
		}
		out = append(out, Suggestion{
			Override: override.Override{
				Operation: op,
				Scope:     override.ScopeGlobal,
				Action:    override.ActionAllow,
				Reason:    fmt.Sprintf("learned: %d approvals, no blocks in %s", t.approvals, opts.Window),
			},
			Approvals: t.approvals,
			Allowed:   t.allowed,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Approvals != out[j].Approvals {
			return out[i].Approvals > out[j].Approvals
		}
		return out[i].Override.Operation < out[j].Override.Operation
	})
	return out, nil
}
