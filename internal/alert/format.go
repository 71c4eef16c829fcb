package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return json.Marshal(slackMessage(event))
	case "pagerduty":
		return json.Marshal(pagerDutyMessage(event))
	default:
		return json.Marshal(event)
	}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

func slackMessage(e AlertEvent) map[string][]slackBlock {
	field := func(label, v string) slackText {
		if v == "" {
			v = "-"
		}
		return slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s:* %s", label, v)}
	}
	title := fmt.Sprintf("opwarden: %s %s", e.Event, e.Result)
	if e.Severity != "" {
		title += " (" + e.Severity + ")"
	}
	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: title}},
		{Type: "section", Fields: []slackText{
			field("Operation", e.Operation),
			field("Target", e.Target),
			field("Agent", e.AgentID),
			field("Reason", e.Reason),
		}},
	}
	if e.Hash != "" {
		blocks = append(blocks, slackBlock{Type: "context", Elements: []slackText{
			{Type: "mrkdwn", Text: fmt.Sprintf("seq %d, hash `%.12s`", e.Seq, e.Hash)},
		}})
	}
	return map[string][]slackBlock{"blocks": blocks}
}

type pagerDutyEvent struct {
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key,omitempty"`
	Payload     pagerDutyPayload `json:"payload"`
}

type pagerDutyPayload struct {
	Summary       string         `json:"summary"`
	Severity      string         `json:"severity"`
	Source        string         `json:"source"`
	Timestamp     string         `json:"timestamp,omitempty"`
	CustomDetails map[string]any `json:"custom_details"`
}

// pagerDutySeverity ranks anomaly severity above the decision result.
func pagerDutySeverity(e AlertEvent) string {
	switch {
	case e.Severity == "emergency" || e.Severity == "critical":
		return "critical"
	case e.Result == "blocked":
		return "error"
	case e.Severity == "warning" || e.Result == "approval_required":
		return "warning"
	}
	return "info"
}

func pagerDutyMessage(e AlertEvent) pagerDutyEvent {
	return pagerDutyEvent{
		EventAction: "trigger",
		DedupKey:    e.Hash,
		Payload: pagerDutyPayload{
			Summary:   fmt.Sprintf("opwarden %s %s: %s", e.Event, e.Result, e.Operation),
			Severity:  pagerDutySeverity(e),
			Source:    "opwarden",
			Timestamp: e.Timestamp,
			CustomDetails: map[string]any{
				"operation": e.Operation,
				"target":    e.Target,
				"agent_id":  e.AgentID,
				"user_id":   e.UserID,
				"reason":    e.Reason,
				"seq":       e.Seq,
			},
		},
	}
}
