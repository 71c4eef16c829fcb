package client

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/app"
	"github.com/ppiankov/opwarden/internal/config"
	"github.com/ppiankov/opwarden/internal/kv"
	"github.com/ppiankov/opwarden/internal/model"
	"github.com/ppiankov/opwarden/internal/server"
)

var sc = model.SecurityContext{UserID: "owner", AgentID: "agent-1", Source: model.SourceAPI}

// startTestServer creates a server and returns its address.
func startTestServer(t *testing.T) (string, func()) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.Backend = kv.BackendMemory
	cfg.Policy.TablePath = filepath.Join(t.TempDir(), "approval-levels.yaml")
	a, err := app.NewWithStore(cfg, kv.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	srv := server.New(api.NewService(a), nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.ServeOn(lis)

	cleanup := func() {
		srv.GracefulStop()
		a.Close()
	}
	return lis.Addr().String(), cleanup
}

func TestClientCheckAllowed(t *testing.T) {
	addr, cleanup := startTestServer(t)
	defer cleanup()

	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	d := c.CheckOperation(context.Background(), model.OperationRequest{Category: model.CategoryRead, Action: "file", Target: "/srv/notes.md"}, sc)
	if !d.Allowed {
		t.Errorf("expected allowed, got %+v", d)
	}
}

func TestClientCheckBlocked(t *testing.T) {
	addr, cleanup := startTestServer(t)
	defer cleanup()

	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	d := c.CheckOperation(context.Background(), model.OperationRequest{Category: model.CategoryCredential, Action: "write"}, sc)
	if d.Allowed {
		t.Errorf("expected blocked, got %+v", d)
	}
}

func TestClientFailClosedWhenUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	lis.Close()

	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d := c.CheckOperation(ctx, model.OperationRequest{Category: model.CategoryRead, Action: "file"}, sc)
	if d.Allowed {
		t.Fatal("unreachable server must not allow")
	}
	if !strings.Contains(d.Reason, "unreachable") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestClientCallRoundTrip(t *testing.T) {
	addr, cleanup := startTestServer(t)
	defer cleanup()

	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	notes := model.OperationRequest{Category: model.CategoryRead, Action: "file", Target: "/srv/notes.md"}
	if err := c.RecordOutcome(ctx, notes, sc, true); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("outcome before any check: err = %v", err)
	}
	if d := c.CheckOperation(ctx, notes, sc); !d.Allowed || d.RequiresApproval {
		t.Fatalf("CheckOperation = %+v", d)
	}
	if err := c.RecordOutcome(ctx, notes, sc, true); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	var report api.TrustReport
	if err := c.Call(ctx, "Trust", api.TrustRequest{Operation: "read:file", Target: "/srv/notes.md", AgentID: "agent-1"}, &report); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	if !report.Found || report.Score <= 0 {
		t.Errorf("trust report = %+v", report)
	}

	var st api.StatusReport
	if err := c.Call(ctx, "Status", nil, &st); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Halt.Halted {
		t.Error("fresh server should not be halted")
	}
}
