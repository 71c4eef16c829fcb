package alert

import (
	"context"
	"log/slog"

	"github.com/ppiankov/opwarden/internal/audit"
)

// Dispatcher fans out audit entries to matching webhook configurations.
// It implements audit.Forwarder.
type Dispatcher struct {
	configs []AlertConfig
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig, logger *slog.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{configs: configs, logger: logger}
}

// Forward converts the entry and dispatches it.
func (d *Dispatcher) Forward(entry audit.Entry) {
	if d == nil {
		return
	}
	d.Dispatch(FromEntry(entry))
}

// Dispatch sends the event to all webhooks whose Events list matches.
// Fires goroutines; does not block the caller. Failures are logged and
// otherwise ignored.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		go func(cfg AlertConfig) {
			if err := Send(context.Background(), cfg, event); err != nil {
				d.logger.Warn("webhook forward failed", "url", cfg.URL, "seq", event.Seq, "error", err)
			}
		}(cfg)
	}
}

// FromEntry builds the webhook payload for an audit entry.
func FromEntry(e audit.Entry) AlertEvent {
	return AlertEvent{
		Timestamp: e.Timestamp,
		Seq:       e.Seq,
		Event:     e.Event,
		Result:    e.Result,
		Operation: e.Operation,
		Target:    e.Target,
		AgentID:   e.AgentID,
		UserID:    e.UserID,
		Reason:    e.Reason,
		Severity:  e.Metadata["severity"],
		Hash:      e.Hash,
	}
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == "*" || e == event.Event || e == event.Result {
			return true
		}
		if event.Severity != "" && e == event.Severity {
			return true
		}
	}
	return false
}
