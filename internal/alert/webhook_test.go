package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/opwarden/internal/audit"
	"github.com/ppiankov/opwarden/internal/kv"
)

func init() {
	retryDelay = 10 * time.Millisecond
}

func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &called
}

func waitFor(t *testing.T, c *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatchMatchesResult(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"blocked"}},
	}, nil)

	d.Dispatch(AlertEvent{Event: audit.EventOperationCheck, Result: "blocked", Operation: "credential:write"})
	waitFor(t, called, 1)

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"blocked"}},
	}, nil)

	d.Dispatch(AlertEvent{Event: audit.EventOperationCheck, Result: "allowed"})
	time.Sleep(200 * time.Millisecond)

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchWildcardAndMultipleWebhooks(t *testing.T) {
	srv1, called1 := countingServer(t, http.StatusOK)
	srv2, called2 := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv1.URL, Events: []string{"*"}},
		{URL: srv2.URL, Events: []string{audit.EventAnomaly}},
	}, nil)

	d.Dispatch(AlertEvent{Event: audit.EventAnomaly, Result: "paused", Severity: "emergency"})
	waitFor(t, called1, 1)
	waitFor(t, called2, 1)

	if called1.Load() != 1 || called2.Load() != 1 {
		t.Errorf("expected both webhooks called once, got %d and %d", called1.Load(), called2.Load())
	}
}

func TestChainForwardsThroughDispatcher(t *testing.T) {
	var got atomic.Value
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev AlertEvent
		json.NewDecoder(r.Body).Decode(&ev)
		got.Store(ev)
		called.Add(1)
	}))
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{{URL: srv.URL, Events: []string{"*"}}}, nil)
	chain := audit.New(kv.NewMemoryStore(), audit.WithForwarder(d))
	entry, err := chain.Append(context.Background(), audit.Record{
		Event: audit.EventOperationCheck, Result: "blocked", Operation: "credential:write",
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, &called, 1)

	ev, _ := got.Load().(AlertEvent)
	if ev.Hash != entry.Hash || ev.Seq != entry.Seq {
		t.Fatalf("forwarded payload does not match entry: %+v", ev)
	}
}

func TestUnreachableWebhookDoesNotBlockAppend(t *testing.T) {
	d := NewDispatcher([]AlertConfig{{URL: "http://127.0.0.1:1", Events: []string{"*"}}}, nil)
	chain := audit.New(kv.NewMemoryStore(), audit.WithForwarder(d))

	start := time.Now()
	if _, err := chain.Append(context.Background(), audit.Record{Event: audit.EventOperationCheck, Result: "allowed"}); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("append waited on webhook delivery")
	}
	if res := chain.Verify(context.Background()); !res.Valid || res.Count != 1 {
		t.Fatalf("expected appended entry to persist, got %+v", res)
	}
}

func TestNilDispatcherForwardIsNoop(t *testing.T) {
	var d *Dispatcher
	d.Forward(audit.Entry{})
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Result: "blocked"})
	if err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	srv, attempts := countingServer(t, http.StatusBadRequest)

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Result: "blocked"})
	if err == nil {
		t.Error("expected error on 400, got nil")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := AlertEvent{
		Timestamp: "2026-01-15T14:00:00.000Z",
		Seq:       7,
		Event:     audit.EventOperationCheck,
		Result:    "blocked",
		Operation: "credential:write",
		Reason:    "hard-blocked operation",
	}

	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed AlertEvent
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.Seq != 7 || parsed.Result != "blocked" {
		t.Errorf("unexpected round trip %+v", parsed)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	data, err := FormatPayload("slack", AlertEvent{Event: "operation_check", Result: "blocked", Operation: "execute:shell"})
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}
	blocks, ok := parsed["blocks"].([]any)
	if !ok || len(blocks) < 2 {
		t.Fatalf("expected at least 2 blocks, got %v", parsed["blocks"])
	}
	section, _ := blocks[1].(map[string]any)
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) < 4 {
		t.Errorf("expected at least 4 fields in section, got %v", fields)
	}
}

func TestFormatPagerDutySeverity(t *testing.T) {
	tests := []struct {
		event AlertEvent
		want  string
	}{
		{AlertEvent{Event: "anomaly", Severity: "emergency"}, "critical"},
		{AlertEvent{Result: "blocked"}, "error"},
		{AlertEvent{Result: "approval_required"}, "warning"},
		{AlertEvent{Result: "allowed"}, "info"},
	}
	for _, tt := range tests {
		data, err := FormatPayload("pagerduty", tt.event)
		if err != nil {
			t.Fatal(err)
		}
		var parsed map[string]any
		json.Unmarshal(data, &parsed)
		payload, _ := parsed["payload"].(map[string]any)
		if payload["severity"] != tt.want {
			t.Errorf("severity for %+v = %v, want %s", tt.event, payload["severity"], tt.want)
		}
		if payload["source"] != "opwarden" {
			t.Errorf("expected source opwarden, got %v", payload["source"])
		}
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	if d := NewDispatcher(nil, nil); d != nil {
		t.Error("expected nil dispatcher for empty configs")
	}
	if d := NewDispatcher([]AlertConfig{}, nil); d != nil {
		t.Error("expected nil dispatcher for zero-length configs")
	}
}
