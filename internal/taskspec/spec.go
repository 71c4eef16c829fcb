// Package taskspec scopes what an agent may do while working on a task.
package taskspec

import (
	"errors"
	"strings"
	"time"
)

// ErrTransition is returned for a status change the lifecycle does not allow.
var ErrTransition = errors.New("taskspec: invalid transition")

// ErrNotFound is returned when a spec id does not exist.
var ErrNotFound = errors.New("taskspec: not found")

// Status is the lifecycle state of a spec.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// transitions lists the allowed next states for each state.
var transitions = map[Status][]Status{
	StatusDraft:  {StatusActive, StatusCancelled},
	StatusActive: {StatusCompleted, StatusCancelled, StatusExpired},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Constraints restrict the operations allowed under a spec.
type Constraints struct {
	AllowedOperations   []string `json:"allowed_operations,omitempty" yaml:"allowed_operations"`
	ForbiddenOperations []string `json:"forbidden_operations,omitempty" yaml:"forbidden_operations"`
	AllowedSources      []string `json:"allowed_sources,omitempty" yaml:"allowed_sources"`
	MaxActions          int      `json:"max_actions,omitempty" yaml:"max_actions"`
	CanSelfModify       bool     `json:"can_self_modify" yaml:"can_self_modify"`
}

// TimeLimit bounds how long a spec stays active.
type TimeLimit struct {
	MaxDurationMinutes int        `json:"max_duration_minutes,omitempty" yaml:"max_duration_minutes"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
}

// Execution is one operation run under a spec.
type Execution struct {
	At        time.Time `json:"at"`
	Operation string    `json:"operation"`
	Target    string    `json:"target,omitempty"`
}

// maxExecutionLog bounds the retained execution history per spec.
// ActionCount keeps the full tally.
const maxExecutionLog = 200

// Spec is one task's constraint set.
type Spec struct {
	ID           string      `json:"id"`
	SubjectID    string      `json:"subject_id"`
	Title        string      `json:"title"`
	Status       Status      `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	Constraints  Constraints `json:"constraints"`
	TimeLimit    TimeLimit   `json:"time_limit"`
	Permissions  []string    `json:"permissions,omitempty"`
	ActionCount  int         `json:"action_count"`
	ExecutionLog []Execution `json:"execution_log,omitempty"`
}

// ActiveAt reports whether the spec is active and within its time limit.
func (s Spec) ActiveAt(now time.Time) bool {
	if s.Status != StatusActive {
		return false
	}
	return s.TimeLimit.ExpiresAt == nil || now.Before(*s.TimeLimit.ExpiresAt)
}

// MatchOperation reports whether opKey matches pattern. Patterns are an
// exact "category:action", "category:*", or "*".
func MatchOperation(pattern, opKey string) bool {
	if pattern == "*" || pattern == opKey {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(opKey, prefix)
	}
	return false
}

func matchAny(patterns []string, opKey string) (string, bool) {
	for _, p := range patterns {
		if MatchOperation(p, opKey) {
			return p, true
		}
	}
	return "", false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
