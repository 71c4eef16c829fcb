package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultYAML returns a commented configuration file carrying the
// default values.
func DefaultYAML() string {
	return `# opwarden configuration
# Generated by: opwarden init-config
#
# Every value can also be set from the environment (OPWARDEN_*) or a .env
# file in the working directory. ${VAR} references below are expanded.

storage:
  # file | sqlite | redis | postgres | memory
  backend: file
  # dir: ~/.opwarden/state
  # sqlite_path: ~/.opwarden/state/opwarden.db
  # postgres_url: postgres://opwarden@localhost:5432/opwarden?sslmode=disable
  redis:
    addr: localhost:6379
    prefix: "opwarden:"

audit:
  # Block an otherwise allowed operation when its decision cannot be
  # written to the audit chain.
  fail_closed: true
  # A separate backend for the chain (optional):
  # storage:
  #   backend: sqlite
  #   sqlite_path: /var/lib/opwarden/audit.db

trust:
  half_life: 720h
  failure_weight: 3
  threshold: 5
  recent_incident: 24h

anomaly:
  alpha: 0.1
  rate_tolerance: 3
  critical_factor: 10
  min_rate: 30
  rate_window: 1h
  auto_block_rate: false
  learning_updates: 24
  off_hours_ratio: 0.05
  max_events: 500
  # patterns_path: ~/.opwarden/anomaly-patterns.yaml

risk:
  enabled: false
  api_url: ${OPWARDEN_RISK_API_URL}
  model: gpt-4o-mini
  max_tokens: 300
  timeout: 5s
  max_content: 4000

policy:
  # table_path: ~/.opwarden/approval-levels.yaml
  # inspect_path: ~/.opwarden/inspect-rules.yaml
  hot_reload: true

governance:
  # url: https://governance.internal/review
  timeout: 3s

eventbus:
  kafka:
    enabled: false
    brokers: []
    topic: opwarden.events

heartbeat:
  interval: 1m
  baseline_every: 1h
  health_every: 24h
  pending_warn_max: 50
  oplog_retention: 720h

server:
  grpc_addr: 127.0.0.1:9090
  http_addr: 127.0.0.1:8080
  # HS256 secret for REST bearer tokens (opwarden token issue). Empty disables auth.
  # jwt_secret: ${OPWARDEN_JWT_SECRET}

logging:
  level: info
  format: json
  output: stderr

# Webhook alerts for audit events.
# alerts:
#   - url: https://hooks.slack.com/services/...
#     format: slack
#     events: [blocked, anomaly]
`
}

// WriteDefault writes DefaultYAML to path. An existing file is kept
// unless force is set. Reports whether the file was written.
func WriteDefault(path string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, fmt.Errorf("config: create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultYAML()), 0o600); err != nil {
		return false, fmt.Errorf("config: write %s: %w", path, err)
	}
	return true, nil
}
