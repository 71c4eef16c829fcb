package audit

import (
	"context"
	"time"
)

// Filter selects entries for `opwarden audit query`.
type Filter struct {
	Event     string
	Result    string
	Operation string
	AgentID   string
	From      time.Time // zero value = no lower bound
	To        time.Time // zero value = no upper bound
}

// Summary holds result counts over a set of entries.
type Summary struct {
	Total          int    `json:"total"`
	AllowedCount   int    `json:"allowed_count"`
	BlockedCount   int    `json:"blocked_count"`
	ApprovalCount  int    `json:"approval_count"`
	OtherCount     int    `json:"other_count"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// QueryResult holds filtered entries and their summary.
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`
}

func (f Filter) match(e Entry) bool {
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		ts, err := time.Parse(TimestampFormat, e.Timestamp)
		if err != nil {
			return false
		}
		if !f.From.IsZero() && ts.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && ts.After(f.To) {
			return false
		}
	}
	return true
}

// Query returns entries matching filter, oldest first.
func (c *Chain) Query(ctx context.Context, filter Filter) (*QueryResult, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}
	result := &QueryResult{}
	for _, e := range entries {
		if !filter.match(e) {
			continue
		}
		result.Entries = append(result.Entries, e)
	}
	result.Summary = summarize(result.Entries)
	return result, nil
}

func summarize(entries []Entry) Summary {
	s := Summary{Total: len(entries)}
	for i, e := range entries {
		if i == 0 {
			s.FirstTimestamp = e.Timestamp
		}
		s.LastTimestamp = e.Timestamp
		switch e.Result {
		case "allowed":
			s.AllowedCount++
		case "blocked":
			s.BlockedCount++
		case "approval_required":
			s.ApprovalCount++
		default:
			s.OtherCount++
		}
	}
	return s
}
