package policy

import "fmt"

// Approval levels. Higher level = more human involvement.
const (
	LevelAuto     = 0 // run without asking
	LevelConfirm  = 1 // confirm; trust or an allow override may waive
	LevelApprove  = 2 // explicit approval; trust or an allow override may waive
	LevelElevated = 3 // always a human, nothing waives it
)

// LevelLabel returns a human-readable label for the level.
func LevelLabel(level int) string {
	switch level {
	case LevelAuto:
		return "auto"
	case LevelConfirm:
		return "confirm"
	case LevelApprove:
		return "approve"
	case LevelElevated:
		return "elevated"
	default:
		return fmt.Sprintf("unknown(%d)", level)
	}
}

// Waivable reports whether learned trust or an allow override may clear
// approval at this level.
func Waivable(level int) bool {
	return level == LevelConfirm || level == LevelApprove
}
