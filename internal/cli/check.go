package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/model"
	"github.com/ppiankov/opwarden/internal/policy"
)

var (
	checkUser    string
	checkAgent   string
	checkSource  string
	checkContent string
	checkTask    string
	checkFailure bool
)

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(outcomeCmd)
	for _, c := range []*cobra.Command{checkCmd, outcomeCmd} {
		c.Flags().StringVar(&checkUser, "user", os.Getenv("USER"), "User the operation runs for")
		c.Flags().StringVar(&checkAgent, "agent", "", "Agent performing the operation")
		c.Flags().StringVar(&checkSource, "source", string(model.SourceManual), "Request source (manual/api/autopilot/cron/heartbeat/mcp)")
	}
	checkCmd.Flags().StringVar(&checkContent, "content", "", "Payload to inspect (@file reads a file)")
	checkCmd.Flags().StringVar(&checkTask, "task", "", "Task spec id the operation belongs to")
	outcomeCmd.Flags().BoolVar(&checkFailure, "failed", false, "Record a failure instead of a success")
}

var checkCmd = &cobra.Command{
	Use:   "check <category:action> [target]",
	Short: "Ask whether an operation is allowed",
	Long:  "Runs the full decision pipeline and prints the decision.\nExits 1 when the operation is blocked, 2 when it needs human approval.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCheck,
}

var outcomeCmd = &cobra.Command{
	Use:   "outcome <category:action> [target]",
	Short: "Record how an executed operation went",
	Long:  "Feeds the trust scorer. Successes raise trust for the operation and target;\nfailures weigh three times as much against it. Each allowed check accepts\none outcome from the same subject within an hour.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runOutcome,
}

func operationArgs(args []string) (model.OperationRequest, error) {
	req := model.ParseKey(args[0])
	if !req.Category.Valid() || req.Action == "" {
		return req, fmt.Errorf("invalid operation %q: want category:action", args[0])
	}
	if len(args) > 1 {
		req.Target = args[1]
	}
	return req, nil
}

func securityContext() model.SecurityContext {
	return model.SecurityContext{UserID: checkUser, AgentID: checkAgent, Source: model.Source(checkSource)}
}

func runCheck(cmd *cobra.Command, args []string) error {
	req, err := operationArgs(args)
	if err != nil {
		return err
	}
	if strings.HasPrefix(checkContent, "@") {
		data, err := os.ReadFile(checkContent[1:])
		if err != nil {
			return fmt.Errorf("read content: %w", err)
		}
		req.Content = string(data)
	} else {
		req.Content = checkContent
	}
	if checkTask != "" {
		req.Metadata = map[string]any{"task_id": checkTask}
	}

	var d model.Decision
	if err := run(cmd, "CheckOperation", api.CheckRequest{Operation: req, Context: securityContext()}, &d); err != nil {
		return err
	}
	if rootJSON {
		if err := printJSON(cmd, d); err != nil {
			return err
		}
	} else {
		printDecision(cmd, req, d)
	}
	switch {
	case !d.Allowed:
		os.Exit(1)
	case d.RequiresApproval:
		os.Exit(2)
	}
	return nil
}

func printDecision(cmd *cobra.Command, req model.OperationRequest, d model.Decision) {
	w := cmd.OutOrStdout()
	verdict := "ALLOW"
	switch {
	case !d.Allowed:
		verdict = "BLOCK"
	case d.RequiresApproval:
		verdict = "APPROVAL REQUIRED"
	}
	fmt.Fprintf(w, "%s  %s", verdict, req.Key())
	if req.Target != "" {
		fmt.Fprintf(w, " %s", req.Target)
	}
	fmt.Fprintf(w, "  (level %d: %s)\n", d.ApprovalLevel, policy.LevelLabel(d.ApprovalLevel))
	if d.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", d.Reason)
	}
	for _, warn := range d.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	for _, a := range d.Anomalies {
		fmt.Fprintf(w, "  anomaly: [%s] %s: %s\n", a.Severity, a.Type, a.Description)
	}
	if d.SanitizedContent != "" {
		fmt.Fprintf(w, "  sanitized content:\n%s\n", d.SanitizedContent)
	}
}

func runOutcome(cmd *cobra.Command, args []string) error {
	req, err := operationArgs(args)
	if err != nil {
		return err
	}
	var ack api.Ack
	if err := run(cmd, "RecordOutcome", api.OutcomeRequest{Operation: req, Context: securityContext(), Success: !checkFailure}, &ack); err != nil {
		return err
	}
	result := "success"
	if checkFailure {
		result = "failure"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for %s\n", result, req.Key())
	return nil
}
