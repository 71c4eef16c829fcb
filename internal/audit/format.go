package audit

import (
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a QueryResult as a human-readable text timeline.
func FormatTimeline(result *QueryResult) string {
	if len(result.Entries) == 0 {
		return "No audit entries found.\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Audit | %s–%s UTC\n",
		formatDateRange(result.Summary.FirstTimestamp),
		formatTimeOnly(result.Summary.LastTimestamp)))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		who := e.AgentID
		if who == "" {
			who = e.UserID
		}
		b.WriteString(fmt.Sprintf("%-6d %-10s %-18s %-18s %-24s %-14s %s\n",
			e.Seq,
			formatTimeOnly(e.Timestamp),
			truncate(e.Event, 18),
			strings.ToUpper(truncate(e.Result, 18)),
			truncate(e.Operation, 24),
			truncate(who, 14),
			truncate(e.Target, 40)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))
	return b.String()
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s Summary) string {
	parts := []string{}
	if s.AllowedCount > 0 {
		parts = append(parts, fmt.Sprintf("%d allowed", s.AllowedCount))
	}
	if s.ApprovalCount > 0 {
		parts = append(parts, fmt.Sprintf("%d approval", s.ApprovalCount))
	}
	if s.BlockedCount > 0 {
		parts = append(parts, fmt.Sprintf("%d blocked", s.BlockedCount))
	}
	if s.OtherCount > 0 {
		parts = append(parts, fmt.Sprintf("%d other", s.OtherCount))
	}
	return fmt.Sprintf("Summary: %s | Total: %d\n", strings.Join(parts, ", "), s.Total)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
