package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/audit"
)

var (
	auditQuery    api.AuditQueryRequest
	auditTimeline bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditQueryCmd)

	f := auditQueryCmd.Flags()
	f.StringVar(&auditQuery.Event, "event", "", "Event type (operation_check, permission_grant, anomaly, ...)")
	f.StringVar(&auditQuery.Result, "result", "", "Result (allowed, blocked, approval_required, ...)")
	f.StringVar(&auditQuery.Operation, "operation", "", "Operation key")
	f.StringVar(&auditQuery.AgentID, "agent", "", "Agent id")
	f.StringVar(&auditQuery.From, "since", "", "Start time (RFC 3339)")
	f.StringVar(&auditQuery.To, "until", "", "End time (RFC 3339)")
	f.IntVarP(&auditQuery.Limit, "lines", "n", 20, "Number of recent entries to show")
	f.BoolVar(&auditTimeline, "timeline", false, "Render as an aligned timeline table")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit chain operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long:  "Walks the chain from genesis and checks every entry's prev_hash and hash.\nExits 0 if valid, 1 if tampered.",
	Args:  cobra.NoArgs,
	RunE:  runAuditVerify,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Show recent audit entries",
	Args:  cobra.NoArgs,
	RunE:  runAuditQuery,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	var result audit.VerifyResult
	if err := run(cmd, "VerifyAudit", struct{}{}, &result); err != nil {
		return err
	}
	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Count)
		return nil
	}
	seq := int64(-1)
	if result.BrokenAtSeq != nil {
		seq = *result.BrokenAtSeq
	}
	fmt.Fprintf(os.Stderr, "FAILED at seq %d: %s\n", seq, result.Reason)
	os.Exit(1)
	return nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	var res audit.QueryResult
	if err := run(cmd, "QueryAudit", auditQuery, &res); err != nil {
		return err
	}
	if rootJSON {
		return printJSON(cmd, res)
	}
	w := cmd.OutOrStdout()
	if auditTimeline {
		fmt.Fprint(w, audit.FormatTimeline(&res))
		return nil
	}
	for _, e := range res.Entries {
		fmt.Fprintf(w, "#%d %s %s %s", e.Seq, e.Timestamp, e.Event, e.Result)
		if e.Operation != "" {
			fmt.Fprintf(w, " %s", e.Operation)
		}
		if e.Target != "" {
			fmt.Fprintf(w, " %s", e.Target)
		}
		if e.AgentID != "" {
			fmt.Fprintf(w, " agent=%s", e.AgentID)
		}
		if e.Reason != "" {
			fmt.Fprintf(w, " (%s)", e.Reason)
		}
		fmt.Fprintln(w)
	}
	s := res.Summary
	fmt.Fprintf(w, "%d matching: %d allowed, %d blocked, %d approval, %d other\n",
		s.Total, s.AllowedCount, s.BlockedCount, s.ApprovalCount, s.OtherCount)
	return nil
}
