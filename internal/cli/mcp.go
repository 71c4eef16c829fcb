package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/mcp"
)

var (
	mcpAgent string
	mcpUser  string
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpAgent, "agent", "", "Agent id stamped on every request")
	mcpCmd.Flags().StringVar(&mcpUser, "user", os.Getenv("USER"), "User the agent acts for")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve authorization tools over MCP stdio",
	Long:  "Runs opwarden as an MCP server on stdin/stdout. Agents call opwarden_check\nbefore acting and opwarden_outcome afterwards.",
	Args:  cobra.NoArgs,
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	if mcpAgent == "" {
		return fmt.Errorf("--agent is required")
	}
	b, err := openLocal(cmd.Context())
	if err != nil {
		return err
	}
	defer b.close()

	srv := mcp.New(api.NewService(b.app), mcp.Config{AgentID: mcpAgent, UserID: mcpUser, Version: version})
	return srv.Run(cmd.Context())
}
