package anomaly

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/opwarden/internal/model"
)

// PatternDef is a named regex in the YAML catalog.
type PatternDef struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// PatternConfig is the YAML layout of the detector catalog.
type PatternConfig struct {
	SensitivePaths   []PatternDef `yaml:"sensitive_paths"`
	Credentials      []PatternDef `yaml:"credentials"`
	Exfiltration     []PatternDef `yaml:"exfiltration"`
	SelfModification []PatternDef `yaml:"self_modification"`
	RecursivePrompt  []PatternDef `yaml:"recursive_prompt"`
	PromptInjection  []PatternDef `yaml:"prompt_injection"`
	TunnelingDomains []PatternDef `yaml:"tunneling_domains"`
	TrustedDomains   []string     `yaml:"trusted_domains"`

	// Severity overrides for the content checks whose risk is deployment
	// dependent. Empty keeps the default.
	RecursivePromptSeverity model.Severity `yaml:"recursive_prompt_severity"`
	PromptInjectionSeverity model.Severity `yaml:"prompt_injection_severity"`
}

// DefaultPatternConfig returns the built-in catalog.
func DefaultPatternConfig() *PatternConfig {
	return &PatternConfig{
		SensitivePaths: []PatternDef{
			{"ssh_keys", `(^|/)\.ssh/`},
			{"aws_credentials", `(^|/)\.aws/credentials$`},
			{"gnupg", `(^|/)\.gnupg/`},
			{"shadow", `^/etc/(shadow|gshadow|sudoers)`},
			{"dotenv", `(^|/)\.env(\.[a-z]+)?$`},
			{"credentials_json", `(^|/)credentials\.json$`},
			{"keepass", `\.kdbx$`},
			{"proc_environ", `^/proc/[^/]+/environ$`},
			{"kube_config", `(^|/)\.kube/config$`},
		},
		Credentials: []PatternDef{
			{"groq_key", `gsk_[a-zA-Z0-9]{20,}`},
			{"anthropic_key", `sk-ant-[a-zA-Z0-9\-]{20,}`},
			{"openai_key", `sk-[a-zA-Z0-9]{20,}`},
			{"aws_access_key", `\bAKIA[0-9A-Z]{16}\b`},
			{"github_token", `\bgh[pousr]_[A-Za-z0-9]{36,}\b`},
			{"private_key", `-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`},
			{"bearer", `(?i)bearer\s+[a-zA-Z0-9\-_.]{20,}`},
			{"hex_secret", `\b[a-f0-9]{64,}\b`},
		},
		Exfiltration: []PatternDef{
			{"dev_tcp", `/dev/tcp/`},
			{"netcat_exec", `\bnc\b.*\s-e\s`},
			{"base64_pipe_network", `base64[^|\n]*\|\s*(curl|wget|nc)\b`},
			{"tar_pipe_network", `\btar\b[^|\n]*\|\s*(curl|nc|ssh)\b`},
			{"curl_upload", `\bcurl\b.*(\s-T\s|--upload-file|--data-binary\s+@)`},
			{"scp_out", `\bscp\b.*\s\S+@\S+:`},
			{"dns_exfil", `\b(dig|nslookup)\b.*\$\(`},
		},
		SelfModification: []PatternDef{
			{"disable_safety", `(?i)\b(disable|turn\s+off|bypass|remove)\s+(the\s+)?(sandbox|safety\s+checks?|guardrails?|approval\s+gates?|audit\s+log(ging)?)\b`},
			{"skip_permissions", `--dangerously-skip-permissions|--no-sandbox\b`},
			{"autopilot_on", `(?i)\b(autopilot|auto_approve|autoapprove)\s*[=:]\s*(true|on|1)\b`},
			{"halt_clear", `(?i)\bopwarden\s+(resume|override\s+add)\b`},
		},
		RecursivePrompt: []PatternDef{
			{"self_invoke", `(?i)\b(call|invoke|spawn|run)\s+(yourself|this\s+agent|another\s+copy\s+of\s+yourself)\b`},
			{"infinite_repeat", `(?i)\brepeat\s+(this|these\s+instructions)\s+(forever|indefinitely|until)\b`},
			{"agent_fork_bomb", `(?i)\bspawn\s+\d{2,}\s+(agents|sub-?agents|workers)\b`},
		},
		PromptInjection: []PatternDef{
			{"ignore_previous", `(?i)\bignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)\b`},
			{"disregard_system", `(?i)\bdisregard\s+(the\s+)?(system|developer)\s+(prompt|message|instructions)\b`},
			{"role_override", `(?i)\byou\s+are\s+now\s+(in\s+)?(developer|jailbreak|dan|unrestricted)\b`},
			{"reveal_prompt", `(?i)\b(reveal|print|show)\s+(your\s+)?(system\s+prompt|hidden\s+instructions)\b`},
		},
		TunnelingDomains: []PatternDef{
			{"ngrok", `(^|\.)ngrok(-free)?\.(io|app|dev)$`},
			{"cloudflare_tunnel", `(^|\.)trycloudflare\.com$`},
			{"serveo", `(^|\.)serveo\.net$`},
			{"localtunnel", `(^|\.)loca\.lt$|(^|\.)localtunnel\.me$`},
			{"pagekite", `(^|\.)pagekite\.me$`},
			{"interactsh", `(^|\.)(interact\.sh|oast\.(fun|me|pro|site|online|live))$`},
			{"burp_collaborator", `(^|\.)(burpcollaborator\.net|oastify\.com)$`},
			{"request_bins", `(^|\.)(webhook\.site|requestbin\.net|pipedream\.net)$`},
		},
		RecursivePromptSeverity: model.SeverityWarning,
		PromptInjectionSeverity: model.SeverityCritical,
	}
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// Patterns is the compiled catalog.
type Patterns struct {
	sensitivePaths   []compiledPattern
	credentials      []compiledPattern
	exfiltration     []compiledPattern
	selfModification []compiledPattern
	recursivePrompt  []compiledPattern
	promptInjection  []compiledPattern
	tunnelingDomains []compiledPattern
	trustedDomains   map[string]bool

	recursiveSeverity model.Severity
	injectionSeverity model.Severity
}

func compile(group string, defs []PatternDef) ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(defs))
	for i, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("anomaly: %s pattern %d: name is required", group, i)
		}
		re, err := regexp.Compile(d.Regex)
		if err != nil {
			return nil, fmt.Errorf("anomaly: %s pattern %q: %w", group, d.Name, err)
		}
		out = append(out, compiledPattern{name: d.Name, re: re})
	}
	return out, nil
}

func validSeverity(s model.Severity) bool {
	_, ok := model.SeverityRank[s]
	return ok
}

// CompilePatterns validates cfg and compiles every regex.
func CompilePatterns(cfg *PatternConfig) (*Patterns, error) {
	p := &Patterns{trustedDomains: make(map[string]bool)}
	var err error
	if p.sensitivePaths, err = compile("sensitive_paths", cfg.SensitivePaths); err != nil {
		return nil, err
	}
	if p.credentials, err = compile("credentials", cfg.Credentials); err != nil {
		return nil, err
	}
	if p.exfiltration, err = compile("exfiltration", cfg.Exfiltration); err != nil {
		return nil, err
	}
	if p.selfModification, err = compile("self_modification", cfg.SelfModification); err != nil {
		return nil, err
	}
	if p.recursivePrompt, err = compile("recursive_prompt", cfg.RecursivePrompt); err != nil {
		return nil, err
	}
	if p.promptInjection, err = compile("prompt_injection", cfg.PromptInjection); err != nil {
		return nil, err
	}
	if p.tunnelingDomains, err = compile("tunneling_domains", cfg.TunnelingDomains); err != nil {
		return nil, err
	}
	for _, d := range cfg.TrustedDomains {
		p.trustedDomains[d] = true
	}
	p.recursiveSeverity = model.SeverityWarning
	if cfg.RecursivePromptSeverity != "" {
		if !validSeverity(cfg.RecursivePromptSeverity) {
			return nil, fmt.Errorf("anomaly: unknown severity %q", cfg.RecursivePromptSeverity)
		}
		p.recursiveSeverity = cfg.RecursivePromptSeverity
	}
	p.injectionSeverity = model.SeverityCritical
	if cfg.PromptInjectionSeverity != "" {
		if !validSeverity(cfg.PromptInjectionSeverity) {
			return nil, fmt.Errorf("anomaly: unknown severity %q", cfg.PromptInjectionSeverity)
		}
		p.injectionSeverity = cfg.PromptInjectionSeverity
	}
	return p, nil
}

// DefaultPatterns returns the compiled built-in catalog.
func DefaultPatterns() *Patterns {
	p, err := CompilePatterns(DefaultPatternConfig())
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPatterns reads a YAML catalog. Groups present in the file are
// appended to the defaults, so a file can extend but not silently drop
// built-in patterns. Missing file returns the defaults.
func LoadPatterns(path string) (*Patterns, error) {
	if path == "" {
		return DefaultPatterns(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPatterns(), nil
		}
		return nil, fmt.Errorf("anomaly: read patterns: %w", err)
	}
	var extra PatternConfig
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("anomaly: parse patterns: %w", err)
	}
	cfg := DefaultPatternConfig()
	cfg.SensitivePaths = append(cfg.SensitivePaths, extra.SensitivePaths...)
	cfg.Credentials = append(cfg.Credentials, extra.Credentials...)
	cfg.Exfiltration = append(cfg.Exfiltration, extra.Exfiltration...)
	cfg.SelfModification = append(cfg.SelfModification, extra.SelfModification...)
	cfg.RecursivePrompt = append(cfg.RecursivePrompt, extra.RecursivePrompt...)
	cfg.PromptInjection = append(cfg.PromptInjection, extra.PromptInjection...)
	cfg.TunnelingDomains = append(cfg.TunnelingDomains, extra.TunnelingDomains...)
	cfg.TrustedDomains = append(cfg.TrustedDomains, extra.TrustedDomains...)
	if extra.RecursivePromptSeverity != "" {
		cfg.RecursivePromptSeverity = extra.RecursivePromptSeverity
	}
	if extra.PromptInjectionSeverity != "" {
		cfg.PromptInjectionSeverity = extra.PromptInjectionSeverity
	}
	return CompilePatterns(cfg)
}

func firstMatch(patterns []compiledPattern, s string) (string, bool) {
	for _, p := range patterns {
		if p.re.MatchString(s) {
			return p.name, true
		}
	}
	return "", false
}

// countMatches returns the total number of matches across patterns and
// the names that hit.
func countMatches(patterns []compiledPattern, s string) (int, []string) {
	n := 0
	var names []string
	for _, p := range patterns {
		if m := p.re.FindAllStringIndex(s, -1); len(m) > 0 {
			n += len(m)
			names = append(names, p.name)
		}
	}
	return n, names
}
