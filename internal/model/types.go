package model

import (
	"strings"
	"time"
)

// Category is the coarse class of an agent operation.
type Category string

const (
	CategoryRead       Category = "read"
	CategoryWrite      Category = "write"
	CategoryExecute    Category = "execute"
	CategoryNetwork    Category = "network"
	CategoryCredential Category = "credential"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryRead, CategoryWrite, CategoryExecute, CategoryNetwork, CategoryCredential:
		return true
	}
	return false
}

// Source identifies how an operation was initiated.
type Source string

const (
	SourceManual    Source = "manual"
	SourceAPI       Source = "api"
	SourceAutopilot Source = "autopilot"
	SourceCron      Source = "cron"
	SourceHeartbeat Source = "heartbeat"
	SourceMCP       Source = "mcp"
)

// OperationRequest describes one action an agent wants to take.
type OperationRequest struct {
	Category Category       `json:"category"`
	Action   string         `json:"action"`
	Target   string         `json:"target,omitempty"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Key returns the "category:action" identifier used by every lookup table.
func (r OperationRequest) Key() string {
	return string(r.Category) + ":" + r.Action
}

// Normalize trims and lowercases the category and action. Every lookup
// table is keyed by the canonical spelling.
func (r OperationRequest) Normalize() OperationRequest {
	r.Category = Category(strings.ToLower(strings.TrimSpace(string(r.Category))))
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
	return r
}

// ParseKey splits "category:action" into an OperationRequest skeleton.
// A key without a colon is treated as a bare category.
func ParseKey(key string) OperationRequest {
	cat, action, _ := strings.Cut(key, ":")
	return OperationRequest{Category: Category(cat), Action: action}
}

// SecurityContext carries the identity of the caller.
type SecurityContext struct {
	UserID    string `json:"user_id"`
	AgentID   string `json:"agent_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Source    Source `json:"source"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// SubjectID is the identity permissions and task specs are keyed by.
// Agents act on their own grants; otherwise the user is the subject.
func (sc SecurityContext) SubjectID() string {
	if sc.AgentID != "" {
		return sc.AgentID
	}
	return sc.UserID
}

// Severity ranks anomaly events.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// SeverityRank maps severity to a comparable integer.
var SeverityRank = map[Severity]int{
	SeverityInfo:      0,
	SeverityWarning:   1,
	SeverityCritical:  2,
	SeverityEmergency: 3,
}

// Blocking reports whether events of this severity must deny the operation.
func (s Severity) Blocking() bool {
	return SeverityRank[s] >= SeverityRank[SeverityCritical]
}

// AnomalyType enumerates detector findings.
type AnomalyType string

const (
	AnomalyRateSpike           AnomalyType = "rate_spike"
	AnomalySensitiveFileAccess AnomalyType = "sensitive_file_access"
	AnomalyUnusualFileAccess   AnomalyType = "unusual_file_access"
	AnomalyUnknownDomain       AnomalyType = "unknown_domain"
	AnomalyTunnelingDomain     AnomalyType = "tunneling_domain"
	AnomalyCredentialExposure  AnomalyType = "credential_exposure"
	AnomalySelfModification    AnomalyType = "self_modification"
	AnomalyExfiltrationAttempt AnomalyType = "exfiltration_attempt"
	AnomalyRecursivePrompt     AnomalyType = "recursive_prompt"
	AnomalyPromptInjection     AnomalyType = "prompt_injection"
	AnomalyOffHoursActivity    AnomalyType = "off_hours_activity"
	AnomalyTaskViolation       AnomalyType = "task_violation"
)

// ActionTaken records what the detector did about an event.
type ActionTaken string

const (
	ActionLogged      ActionTaken = "logged"
	ActionWarned      ActionTaken = "warned"
	ActionBlocked     ActionTaken = "blocked"
	ActionPaused      ActionTaken = "paused"
	ActionQuarantined ActionTaken = "quarantined"
)

// Blocking reports whether the action implies the operation must not run.
func (a ActionTaken) Blocking() bool {
	return a == ActionBlocked || a == ActionPaused || a == ActionQuarantined
}

// Anomaly is one detector finding. Events are immutable once created
// except for RequiresReview, which a reviewer clears.
type Anomaly struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Type           AnomalyType    `json:"type"`
	Severity       Severity       `json:"severity"`
	Source         string         `json:"source"`
	Description    string         `json:"description"`
	Context        map[string]any `json:"context,omitempty"`
	ActionTaken    ActionTaken    `json:"action_taken"`
	RequiresReview bool           `json:"requires_review"`
}

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed          bool      `json:"allowed"`
	Reason           string    `json:"reason,omitempty"`
	Warnings         []string  `json:"warnings,omitempty"`
	Anomalies        []Anomaly `json:"anomalies,omitempty"`
	RequiresApproval bool      `json:"requires_approval"`
	ApprovalLevel    int       `json:"approval_level"`
	SanitizedContent string    `json:"sanitized_content,omitempty"`
}

// Block marks the decision denied with reason.
func (d *Decision) Block(reason string) {
	d.Allowed = false
	d.Reason = reason
}

// Warn appends a warning.
func (d *Decision) Warn(msg string) {
	d.Warnings = append(d.Warnings, msg)
}

// Finalize enforces the invariants every returned decision must hold:
// a denied decision has a reason, and a critical or emergency anomaly
// always denies.
func (d *Decision) Finalize() {
	for _, a := range d.Anomalies {
		if a.Severity.Blocking() && d.Allowed {
			d.Block("anomaly: " + a.Description)
		}
	}
	if !d.Allowed && d.Reason == "" {
		d.Reason = "operation denied"
	}
}

// Result is the audit label for a decision.
func (d Decision) Result() string {
	switch {
	case !d.Allowed:
		return "blocked"
	case d.RequiresApproval:
		return "approval_required"
	default:
		return "allowed"
	}
}
