// Package risk asks an LLM to grade the risk of an operation's content.
// Its verdict can only add friction: high asks for approval, critical
// blocks, and nothing it says can allow an operation.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/opwarden/internal/model"
)

// Level is the classifier's grade.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return true
	}
	return false
}

// Verdict is one classification.
type Verdict struct {
	Level      Level    `json:"level"`
	Reason     string   `json:"reason"`
	Categories []string `json:"categories,omitempty"`
}

// Config holds parameters for the classifier endpoint. The endpoint
// speaks the OpenAI-compatible chat completions format.
type Config struct {
	Enabled   bool          `yaml:"enabled"`
	APIURL    string        `yaml:"api_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
	// MaxContent caps how much content is sent.
	MaxContent int `yaml:"max_content"`
}

const systemPrompt = `You are a security reviewer for actions proposed by an autonomous AI agent. You receive one proposed operation: its category, action, target and content.

Grade the risk of performing it:
- low: routine, reversible, no sensitive data
- medium: unusual but plausibly legitimate
- high: could cause real harm or embarrassment; a human should look first
- critical: clearly harmful, deceptive, destructive or leaking secrets

Return ONLY valid JSON, no markdown fences, no commentary:
{"level":"<level>","reason":"<one sentence>","categories":["<short tag>"]}`

// Classifier calls the configured endpoint.
type Classifier struct {
	cfg    Config
	client *http.Client
}

// New builds a classifier. Defaults: 5s timeout, 300 tokens, 4000 bytes
// of content.
func New(cfg Config) *Classifier {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxContent <= 0 {
		cfg.MaxContent = 4000
	}
	return &Classifier{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Enabled reports whether classification should run.
func (c *Classifier) Enabled() bool {
	return c != nil && c.cfg.Enabled && c.cfg.APIURL != ""
}

func describe(req model.OperationRequest, max int) string {
	content := req.Content
	if len(content) > max {
		content = content[:max] + "\n[truncated]"
	}
	return fmt.Sprintf("category: %s\naction: %s\ntarget: %s\ncontent:\n%s",
		req.Category, req.Action, req.Target, content)
}

// Classify grades req. Any transport or parse failure is returned as an
// error; the caller keeps its static decision in that case.
func (c *Classifier) Classify(ctx context.Context, req model.OperationRequest) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"model": c.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": describe(req, c.cfg.MaxContent)},
		},
		"max_tokens":  c.cfg.MaxTokens,
		"temperature": 0,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("risk: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("risk: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Verdict{}, fmt.Errorf("risk: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("risk: HTTP %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(respBody)), 200))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Choices) == 0 {
		return Verdict{}, fmt.Errorf("risk: empty response")
	}
	return parseVerdict(result.Choices[0].Message.Content)
}

// parseVerdict extracts the verdict JSON. An unknown level is an error
// rather than a guess.
func parseVerdict(raw string) (Verdict, error) {
	raw = cleanJSON(raw)
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Verdict{}, fmt.Errorf("risk: cannot parse verdict: %s", truncate(raw, 200))
	}
	v.Level = Level(strings.ToLower(strings.TrimSpace(string(v.Level))))
	if !v.Level.Valid() {
		return Verdict{}, fmt.Errorf("risk: unknown level %q", v.Level)
	}
	return v, nil
}

// cleanJSON strips markdown fences and surrounding whitespace.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
