package risk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/opwarden/internal/model"
)

func TestParseVerdict(t *testing.T) {
	v, err := parseVerdict(`{"level":"high","reason":"mass DM","categories":["spam"]}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if v.Level != LevelHigh || v.Reason != "mass DM" || len(v.Categories) != 1 {
		t.Fatalf("unexpected verdict %+v", v)
	}
}

func TestParseVerdictMarkdownFenced(t *testing.T) {
	v, err := parseVerdict("```json\n{\"level\":\"Critical\",\"reason\":\"deletes prod\"}\n```")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if v.Level != LevelCritical {
		t.Fatalf("level = %q, want critical", v.Level)
	}
}

func TestParseVerdictRejectsUnknownLevel(t *testing.T) {
	if _, err := parseVerdict(`{"level":"spicy"}`); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := parseVerdict("not json"); err == nil {
		t.Fatal("expected error for garbage")
	}
}

func completion(content string) []byte {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"content": content}}},
	})
	return b
}

func TestClassifySendsOperation(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write(completion(`{"level":"medium","reason":"unusual"}`))
	}))
	defer srv.Close()

	c := New(Config{Enabled: true, APIURL: srv.URL, APIKey: "k", Model: "m"})
	if !c.Enabled() {
		t.Fatal("expected enabled")
	}
	v, err := c.Classify(context.Background(), model.OperationRequest{
		Category: model.CategoryWrite, Action: "post", Target: "timeline", Content: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.Level != LevelMedium {
		t.Fatalf("level = %q", v.Level)
	}
	if gotAuth != "Bearer k" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if !strings.Contains(gotBody, "action: post") {
		t.Fatalf("request body missing operation: %s", gotBody)
	}
}

func TestClassifyHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{Enabled: true, APIURL: srv.URL})
	if _, err := c.Classify(context.Background(), model.OperationRequest{Content: "x"}); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestClassifyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(Config{Enabled: true, APIURL: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	if _, err := c.Classify(context.Background(), model.OperationRequest{Content: "x"}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("classifier did not honor its timeout")
	}
}

func TestDisabledClassifier(t *testing.T) {
	var c *Classifier
	if c.Enabled() {
		t.Fatal("nil classifier must be disabled")
	}
	if New(Config{APIURL: "http://x"}).Enabled() {
		t.Fatal("classifier without Enabled flag must be disabled")
	}
}
