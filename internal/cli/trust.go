package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/api"
)

var (
	trustTarget string
	trustAgent  string
	trustRecord string
)

func init() {
	rootCmd.AddCommand(trustCmd)
	trustCmd.Flags().StringVar(&trustTarget, "target", "", "Target (omit for the operation-wide entry)")
	trustCmd.Flags().StringVar(&trustAgent, "agent", "", "Agent the entry belongs to")
	trustCmd.Flags().StringVar(&trustRecord, "record", "", "Record an outcome first: success or failure")
}

var trustCmd = &cobra.Command{
	Use:   "trust <category:action>",
	Short: "Show the learned trust score for an operation",
	Long:  "Trust decays with a 30 day half-life. Failures weigh three times a success.\nA score at or above the threshold lets confirm/approve operations run unattended.",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrust,
}

func runTrust(cmd *cobra.Command, args []string) error {
	req := api.TrustRequest{Operation: args[0], Target: trustTarget, AgentID: trustAgent}
	switch trustRecord {
	case "":
	case "success", "failure":
		ok := trustRecord == "success"
		req.Success = &ok
	default:
		return fmt.Errorf("--record must be success or failure, got %q", trustRecord)
	}

	var r api.TrustReport
	if err := run(cmd, "Trust", req, &r); err != nil {
		return err
	}
	if rootJSON {
		return printJSON(cmd, r)
	}
	w := cmd.OutOrStdout()
	if !r.Found {
		fmt.Fprintf(w, "%s: no history\n", args[0])
		return nil
	}
	fmt.Fprintf(w, "%s  score %.2f  (%d successes, %d failures)\n",
		args[0], r.Score, r.Entry.SuccessCount, r.Entry.FailureCount)
	if r.AutoApprove {
		fmt.Fprintln(w, "  auto-approve: yes")
	} else {
		fmt.Fprintln(w, "  auto-approve: no")
	}
	return nil
}
