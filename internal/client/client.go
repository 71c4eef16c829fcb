// Package client talks to a remote opwarden gRPC server.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/model"
	"github.com/ppiankov/opwarden/internal/policy"
)

// DefaultTimeout bounds each call when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// Client connects to an opwarden gRPC server.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// New creates a client for addr. The connection is established lazily.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("client: connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: DefaultTimeout}, nil
}

// Call invokes method with req and decodes the result into resp. Both
// are JSON-shaped values from the api package. resp may be nil.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	in := new(structpb.Struct)
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("client: encode %s request: %w", method, err)
		}
		if err := protojson.Unmarshal(data, in); err != nil {
			return fmt.Errorf("client: encode %s request: %w", method, err)
		}
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	data, err := protojson.Marshal(out)
	if err != nil {
		return fmt.Errorf("client: decode %s response: %w", method, err)
	}
	if err := json.Unmarshal(data, resp); err != nil {
		return fmt.Errorf("client: decode %s response: %w", method, err)
	}
	return nil
}

// CheckOperation asks the server for a decision.
// Fail-closed: any RPC error yields a blocked decision.
func (c *Client) CheckOperation(ctx context.Context, req model.OperationRequest, sc model.SecurityContext) model.Decision {
	var d model.Decision
	if err := c.Call(ctx, "CheckOperation", api.CheckRequest{Operation: req, Context: sc}, &d); err != nil {
		return model.Decision{
			Allowed:       false,
			Reason:        fmt.Sprintf("authorization server unreachable: %v", err),
			ApprovalLevel: policy.LevelElevated,
		}
	}
	return d
}

// RecordOutcome reports an executed operation's result.
func (c *Client) RecordOutcome(ctx context.Context, req model.OperationRequest, sc model.SecurityContext, success bool) error {
	return c.Call(ctx, "RecordOutcome", api.OutcomeRequest{Operation: req, Context: sc, Success: success}, nil)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
