package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/opwarden/internal/model"
)

// TableConfig is the YAML layout of the approval-level table.
type TableConfig struct {
	CategoryDefaults map[string]int `yaml:"category_defaults"`
	Operations       map[string]int `yaml:"operations"`
	HardBlock        []string       `yaml:"hard_block"`
	HardBlockCommand []string       `yaml:"hard_block_commands"`
}

// DefaultTableConfig returns the built-in levels.
func DefaultTableConfig() *TableConfig {
	return &TableConfig{
		CategoryDefaults: map[string]int{
			string(model.CategoryRead):       LevelAuto,
			string(model.CategoryWrite):      LevelConfirm,
			string(model.CategoryNetwork):    LevelConfirm,
			string(model.CategoryExecute):    LevelApprove,
			string(model.CategoryCredential): LevelElevated,
		},
		Operations: map[string]int{
			"read:file":           LevelAuto,
			"read:env":            LevelApprove,
			"write:memory":        LevelAuto,
			"write:config":        LevelApprove,
			"network:fetch":       LevelConfirm,
			"network:post":        LevelApprove,
			"execute:shell":       LevelApprove,
			"execute:deploy":      LevelElevated,
			"credential:read":     LevelElevated,
			"execute:self_update": LevelElevated,
		},
	}
}

// Table resolves approval levels and hard blocks.
type Table struct {
	defaults   map[model.Category]int
	operations map[string]int
	hard       HardBlocks
}

// NewTable validates cfg and builds a Table.
func NewTable(cfg *TableConfig) (*Table, error) {
	t := &Table{
		defaults:   make(map[model.Category]int),
		operations: make(map[string]int),
	}
	for cat, lvl := range cfg.CategoryDefaults {
		if !model.Category(cat).Valid() {
			return nil, fmt.Errorf("policy: unknown category %q", cat)
		}
		if lvl < LevelAuto || lvl > LevelElevated {
			return nil, fmt.Errorf("policy: category %s level %d out of range 0-3", cat, lvl)
		}
		t.defaults[model.Category(cat)] = lvl
	}
	for op, lvl := range cfg.Operations {
		if lvl < LevelAuto || lvl > LevelElevated {
			return nil, fmt.Errorf("policy: operation %s level %d out of range 0-3", op, lvl)
		}
		t.operations[strings.ToLower(strings.TrimSpace(op))] = lvl
	}
	t.hard = newHardBlocks(cfg.HardBlock, cfg.HardBlockCommand)
	return t, nil
}

// DefaultTable returns the built-in table.
func DefaultTable() *Table {
	t, _ := NewTable(DefaultTableConfig())
	return t
}

// Level returns the approval level for req. Unknown operations fall back
// to the category default; unknown categories get LevelElevated.
func (t *Table) Level(req model.OperationRequest) int {
	req = req.Normalize()
	if lvl, ok := t.operations[req.Key()]; ok {
		return lvl
	}
	if lvl, ok := t.defaults[req.Category]; ok {
		return lvl
	}
	return LevelElevated
}

// IsHardBlocked reports whether req may never run.
func (t *Table) IsHardBlocked(req model.OperationRequest) (bool, string) {
	req = req.Normalize()
	return t.hard.Match(req.Key(), string(req.Category), req.Target)
}

// HardBlocked returns the sorted hard-blocked operation keys.
func (t *Table) HardBlocked() []string {
	ops := t.hard.Operations()
	sort.Strings(ops)
	return ops
}

// Operations returns a copy of the explicit per-operation levels.
func (t *Table) Operations() map[string]int {
	out := make(map[string]int, len(t.operations))
	for k, v := range t.operations {
		out[k] = v
	}
	return out
}

// DefaultTablePath returns ~/.opwarden/approval-levels.yaml.
func DefaultTablePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".opwarden", "approval-levels.yaml")
}

// LoadTableWithHash loads the table from YAML and returns the SHA-256 of
// the raw bytes. Missing file returns defaults and the hash of empty input.
// YAML values overlay the defaults.
func LoadTableWithHash(path string) (*Table, string, error) {
	if path == "" {
		path = DefaultTablePath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) || path == "" {
			h := sha256.Sum256(nil)
			return DefaultTable(), "sha256:" + hex.EncodeToString(h[:]), nil
		}
		return nil, "", fmt.Errorf("policy: read %s: %w", path, err)
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	cfg := DefaultTableConfig()
	var overlay TableConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, "", fmt.Errorf("policy: parse %s: %w", path, err)
	}
	for k, v := range overlay.CategoryDefaults {
		cfg.CategoryDefaults[k] = v
	}
	for k, v := range overlay.Operations {
		cfg.Operations[k] = v
	}
	cfg.HardBlock = overlay.HardBlock
	cfg.HardBlockCommand = overlay.HardBlockCommand

	t, err := NewTable(cfg)
	if err != nil {
		return nil, "", err
	}
	return t, hash, nil
}

// LoadTable is LoadTableWithHash without the hash.
func LoadTable(path string) (*Table, error) {
	t, _, err := LoadTableWithHash(path)
	return t, err
}

// WriteDefaultTable writes the built-in levels to path as YAML. An
// existing file is kept unless force is set.
func WriteDefaultTable(path string, force bool) (bool, error) {
	if path == "" {
		path = DefaultTablePath()
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	data, err := yaml.Marshal(DefaultTableConfig())
	if err != nil {
		return false, fmt.Errorf("policy: encode default table: %w", err)
	}
	header := "# Approval levels: 0 auto, 1 confirm, 2 approve, 3 elevated (always human).\n"
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, fmt.Errorf("policy: create directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return false, fmt.Errorf("policy: write %s: %w", path, err)
	}
	return true, nil
}
