package policy

import "strings"

// baseHardBlocked are operations no override, trust score or grant can
// unlock. Configuration may add to this set but never remove from it.
var baseHardBlocked = []string{
	"credential:write",
	"credential:delete",
	"credential:export",
	"execute:disable_audit",
	"write:audit_log",
}

// baseCatastrophicCommands are execute targets that are always blocked,
// whatever the operation name.
var baseCatastrophicCommands = []string{
	"rm -rf /",
	"rm -rf ~",
	"dd if=/dev/zero",
	":(){ :|:& };:",
	"mkfs.",
	"> /dev/sda",
	"chmod -R 777 /",
	"curl|sh",
	"curl | sh",
	"wget|sh",
	"wget | sh",
}

// HardBlocks is the non-overridable block set.
type HardBlocks struct {
	ops      map[string]bool
	commands []string
}

func newHardBlocks(extraOps, extraCommands []string) HardBlocks {
	hb := HardBlocks{ops: make(map[string]bool)}
	for _, op := range baseHardBlocked {
		hb.ops[op] = true
	}
	for _, op := range extraOps {
		if op = strings.ToLower(strings.TrimSpace(op)); op != "" {
			hb.ops[op] = true
		}
	}
	hb.commands = append(hb.commands, baseCatastrophicCommands...)
	for _, c := range extraCommands {
		if c = strings.TrimSpace(c); c != "" {
			hb.commands = append(hb.commands, c)
		}
	}
	return hb
}

// Match reports whether the operation or its execute target is hard-blocked,
// with a reason.
func (hb HardBlocks) Match(opKey, category, target string) (bool, string) {
	if hb.ops[opKey] {
		return true, "hard-blocked operation: " + opKey
	}
	if category == "execute" && target != "" {
		lower := strings.ToLower(target)
		for _, c := range hb.commands {
			if strings.Contains(lower, strings.ToLower(c)) {
				return true, "hard-blocked command pattern: " + c
			}
		}
	}
	return false, ""
}

// Operations returns the blocked operation keys.
func (hb HardBlocks) Operations() []string {
	out := make([]string, 0, len(hb.ops))
	for op := range hb.ops {
		out = append(out, op)
	}
	return out
}
