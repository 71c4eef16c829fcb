// Package mcp exposes the authorization checks to agents as MCP tools
// over stdio.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/model"
)

// Config holds MCP server configuration.
type Config struct {
	// AgentID is stamped on every request; agents cannot choose their own.
	AgentID string
	UserID  string
	Version string
}

// Server wraps the MCP SDK server around an api.Service.
type Server struct {
	mcpServer *mcpsdk.Server
	svc       *api.Service
	agentID   string
	userID    string
}

// New creates an MCP server with its tools registered.
func New(svc *api.Service, cfg Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	userID := cfg.UserID
	if userID == "" {
		userID = "mcp"
	}

	s := &Server{svc: svc, agentID: cfg.AgentID, userID: userID}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "opwarden",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) securityContext(session string) model.SecurityContext {
	return model.SecurityContext{
		UserID:    s.userID,
		AgentID:   s.agentID,
		SessionID: session,
		Source:    model.SourceMCP,
	}
}

// registerTools adds all opwarden tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "opwarden_check",
		Description: "Ask whether an operation may run. Blocked or approval-gated operations return an error result with the reason.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "opwarden_outcome",
		Description: "Report whether an operation allowed by opwarden_check succeeded. Each allowed check accepts one outcome within an hour. Outcomes build trust for future checks.",
	}, s.handleOutcome)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "opwarden_trust",
		Description: "Show the trust score for an operation and target.",
	}, s.handleTrust)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "opwarden_tasks",
		Description: "List the task specs (and their constraints) assigned to this agent.",
	}, s.handleTasks)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "opwarden_status",
		Description: "Report whether the system is halted and whether the anomaly detector is paused.",
	}, s.handleStatus)
}
