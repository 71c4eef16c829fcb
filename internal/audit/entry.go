package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// GenesisHash is the prev_hash of the first entry in a chain.
const GenesisHash = "0"

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Events recorded by opwarden components.
const (
	EventOperationCheck   = "operation_check"
	EventOperationOutcome = "operation_outcome"
	EventPermissionGrant  = "permission_grant"
	EventPermissionRevoke = "permission_revoke"
	EventPermissionUse    = "permission_use"
	EventPermissionExpiry = "permission_expiry"
	EventOverrideChange   = "override_change"
	EventTaskTransition   = "task_transition"
	EventAnomaly          = "anomaly"
	EventDetectorResume   = "detector_resume"
	EventHalt             = "system_halt"
	EventResume           = "system_resume"
)

// Entry is one record in the hash-chained audit log.
// Metadata is a string map so json.Marshal emits keys in sorted order,
// which keeps the hash reproducible.
type Entry struct {
	Seq       int64             `json:"seq"`
	Timestamp string            `json:"ts"`
	PrevHash  string            `json:"prev_hash"`
	Event     string            `json:"event"`
	Result    string            `json:"result"`
	Operation string            `json:"operation,omitempty"`
	Target    string            `json:"target,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Source    string            `json:"source,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Hash      string            `json:"hash"`
}

// Record is the caller-supplied part of an entry. The chain fills in
// sequence, timestamp and both hashes.
type Record struct {
	Event     string
	Result    string
	Operation string
	Target    string
	UserID    string
	AgentID   string
	Source    string
	Reason    string
	Metadata  map[string]string
}

// ComputeHash returns the SHA-256 hex digest of the entry serialized
// with an empty hash field.
func ComputeHash(e Entry) string {
	e.Hash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
