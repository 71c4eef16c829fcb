// Package inspect scans operation content for dangerous or sensitive
// material and produces a sanitized copy.
package inspect

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Severity of a finding.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// redactPlaceholder replaces redacted matches in sanitized content.
const redactPlaceholder = "[REDACTED]"

// RuleDef is the YAML form of a content rule.
type RuleDef struct {
	Name     string   `yaml:"name"`
	Regex    string   `yaml:"regex"`
	Severity Severity `yaml:"severity"`
	Redact   bool     `yaml:"redact"`
	Message  string   `yaml:"message"`
}

// Rule is a compiled content rule.
type Rule struct {
	Name     string
	Regex    *regexp.Regexp
	Severity Severity
	Redact   bool
	Message  string
}

// Finding is one rule hit.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Count    int      `json:"count"`
}

// Result is the outcome of inspecting one piece of content.
type Result struct {
	Findings  []Finding `json:"findings,omitempty"`
	Sanitized string    `json:"sanitized,omitempty"`
	Critical  bool      `json:"critical"`
}

// Warnings returns the messages of non-critical findings.
func (r Result) Warnings() []string {
	var out []string
	for _, f := range r.Findings {
		if f.Severity != SeverityCritical {
			out = append(out, fmt.Sprintf("%s (%d)", f.Message, f.Count))
		}
	}
	return out
}

// CriticalReason returns the first critical finding's message.
func (r Result) CriticalReason() string {
	for _, f := range r.Findings {
		if f.Severity == SeverityCritical {
			return f.Message
		}
	}
	return ""
}

// DefaultRules is the built-in catalog.
var DefaultRules = []RuleDef{
	{Name: "private_key", Regex: `-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`, Severity: SeverityCritical, Redact: true, Message: "private key material"},
	{Name: "destructive_sql", Regex: `(?i)\b(?:drop\s+(?:table|database)|truncate\s+table)\b`, Severity: SeverityCritical, Message: "destructive SQL statement"},
	{Name: "pipe_to_shell", Regex: `(?i)\b(?:curl|wget)\b[^|\n]*\|\s*(?:ba|z)?sh\b`, Severity: SeverityCritical, Message: "download piped to shell"},
	{Name: "api_key", Regex: `(?:gsk_|sk-ant-|sk-)[a-zA-Z0-9\-]{20,}`, Severity: SeverityWarning, Redact: true, Message: "API key redacted"},
	{Name: "bearer_token", Regex: `(?i)bearer\s+[a-zA-Z0-9\-_.]{20,}`, Severity: SeverityWarning, Redact: true, Message: "bearer token redacted"},
	{Name: "credential_kv", Regex: `(?i)(?:password|passwd|secret|api_key|apikey)[ \t]*[=:][ \t]*\S+`, Severity: SeverityWarning, Redact: true, Message: "credential assignment redacted"},
	{Name: "email", Regex: `\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`, Severity: SeverityWarning, Message: "email address in content"},
	{Name: "base64_blob", Regex: `[A-Za-z0-9+/]{200,}={0,2}`, Severity: SeverityWarning, Message: "large encoded blob"},
}

// CompileRules validates and compiles rule definitions.
func CompileRules(defs []RuleDef) ([]Rule, error) {
	rules := make([]Rule, 0, len(defs))
	for i, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("inspect: rule %d: name is required", i)
		}
		if d.Regex == "" {
			return nil, fmt.Errorf("inspect: rule %q: regex is required", d.Name)
		}
		re, err := regexp.Compile(d.Regex)
		if err != nil {
			return nil, fmt.Errorf("inspect: rule %q: invalid regex: %w", d.Name, err)
		}
		sev := d.Severity
		if sev == "" {
			sev = SeverityWarning
		}
		if sev != SeverityWarning && sev != SeverityCritical {
			return nil, fmt.Errorf("inspect: rule %q: unknown severity %q", d.Name, sev)
		}
		msg := d.Message
		if msg == "" {
			msg = d.Name
		}
		rules = append(rules, Rule{Name: d.Name, Regex: re, Severity: sev, Redact: d.Redact, Message: msg})
	}
	return rules, nil
}

// Inspector applies a rule catalog.
type Inspector struct {
	rules []Rule
}

// New builds an Inspector from compiled rules.
func New(rules []Rule) *Inspector {
	return &Inspector{rules: rules}
}

// NewDefault builds an Inspector from DefaultRules.
func NewDefault() *Inspector {
	rules, err := CompileRules(DefaultRules)
	if err != nil {
		panic(err)
	}
	return New(rules)
}

type ruleFile struct {
	Rules []RuleDef `yaml:"rules"`
}

// Load reads extra rules from YAML and appends them to the defaults.
// Missing file returns the default inspector.
func Load(path string) (*Inspector, error) {
	if path == "" {
		return NewDefault(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefault(), nil
		}
		return nil, fmt.Errorf("inspect: read %s: %w", path, err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("inspect: parse %s: %w", path, err)
	}
	rules, err := CompileRules(append(append([]RuleDef{}, DefaultRules...), f.Rules...))
	if err != nil {
		return nil, err
	}
	return New(rules), nil
}

// Inspect scans content. Redacting rules replace their matches in the
// sanitized copy.
func (in *Inspector) Inspect(content string) Result {
	res := Result{Sanitized: content}
	if content == "" {
		return res
	}
	for _, r := range in.rules {
		matches := r.Regex.FindAllStringIndex(res.Sanitized, -1)
		if len(matches) == 0 {
			continue
		}
		res.Findings = append(res.Findings, Finding{
			Rule:     r.Name,
			Severity: r.Severity,
			Message:  r.Message,
			Count:    len(matches),
		})
		if r.Severity == SeverityCritical {
			res.Critical = true
		}
		if r.Redact {
			res.Sanitized = r.Regex.ReplaceAllString(res.Sanitized, redactPlaceholder)
		}
	}
	sort.SliceStable(res.Findings, func(i, j int) bool {
		return res.Findings[i].Severity == SeverityCritical && res.Findings[j].Severity != SeverityCritical
	})
	return res
}
