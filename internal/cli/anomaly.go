package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/api"
)

var anomalyAll bool

func init() {
	rootCmd.AddCommand(anomalyCmd)
	anomalyCmd.AddCommand(anomalyListCmd)
	anomalyCmd.AddCommand(anomalyReviewCmd)
	anomalyCmd.AddCommand(anomalyResumeCmd)
	anomalyListCmd.Flags().BoolVar(&anomalyAll, "all", false, "Include reviewed events")
	anomalyResumeCmd.Flags().StringVar(&operatorBy, "by", os.Getenv("USER"), "Operator resuming the detector")
}

var anomalyCmd = &cobra.Command{
	Use:   "anomaly",
	Short: "Anomaly detector events",
}

var anomalyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List anomaly events (pending review by default)",
	Args:  cobra.NoArgs,
	RunE:  runAnomalyList,
}

var anomalyReviewCmd = &cobra.Command{
	Use:   "review <id>",
	Short: "Mark an event reviewed",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnomalyReview,
}

var anomalyResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the detector after an emergency pause",
	Args:  cobra.NoArgs,
	RunE:  runAnomalyResume,
}

func runAnomalyList(cmd *cobra.Command, args []string) error {
	var list api.AnomalyList
	if err := run(cmd, "Anomalies", api.AnomalyListRequest{PendingOnly: !anomalyAll}, &list); err != nil {
		return err
	}
	if rootJSON {
		return printJSON(cmd, list)
	}
	w := cmd.OutOrStdout()
	if len(list.Anomalies) == 0 {
		fmt.Fprintln(w, "No anomalies.")
		return nil
	}
	for _, a := range list.Anomalies {
		review := ""
		if a.RequiresReview {
			review = "  [needs review]"
		}
		fmt.Fprintf(w, "%s  %s  %-8s %-20s %s -> %s%s\n", a.ID, a.Timestamp.Local().Format(time.RFC3339),
			a.Severity, a.Type, a.Description, a.ActionTaken, review)
	}
	return nil
}

func runAnomalyReview(cmd *cobra.Command, args []string) error {
	if err := run(cmd, "ReviewAnomaly", api.ReviewRequest{ID: args[0]}, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reviewed %s\n", args[0])
	return nil
}

func runAnomalyResume(cmd *cobra.Command, args []string) error {
	var ack api.Ack
	if err := run(cmd, "ResumeDetector", api.OperatorRequest{By: operatorBy}, &ack); err != nil {
		return err
	}
	if !ack.OK {
		fmt.Fprintln(cmd.OutOrStdout(), ack.Message)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Detector resumed.")
	return nil
}
