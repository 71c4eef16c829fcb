package model

import "strings"

// selfTargetPatterns are target substrings that indicate an operation
// touches opwarden itself: its binary, its state or its policy files.
var selfTargetPatterns = []string{
	"bin/opwarden",
	".opwarden/",
	"opwarden.yaml",
	"approval-levels.yaml",
	"anomaly-patterns.yaml",
}

// IsSelfTargeting returns true if the operation targets opwarden itself.
func IsSelfTargeting(req OperationRequest) bool {
	lower := strings.ToLower(req.Target)
	for _, p := range selfTargetPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return strings.HasPrefix(strings.ToLower(req.Action), "opwarden")
}

// IsAgentSelfModification reports whether the operation changes the
// requesting agent's own code, prompts or configuration. Callers mark
// such operations with a "self_" action prefix or metadata self_modify=true.
func IsAgentSelfModification(req OperationRequest) bool {
	if strings.HasPrefix(req.Action, "self_") {
		return true
	}
	v, _ := req.Metadata["self_modify"].(bool)
	return v
}
