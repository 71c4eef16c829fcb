package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/halt"
)

var (
	operatorBy     string
	operatorReason string
)

func init() {
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	for _, c := range []*cobra.Command{haltCmd, resumeCmd} {
		c.Flags().StringVar(&operatorBy, "by", os.Getenv("USER"), "Operator making the change")
	}
	haltCmd.Flags().StringVar(&operatorReason, "reason", "", "Why the system is halted")
}

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Engage the kill switch",
	Long:  "Blocks every operation until an operator resumes. The switch persists across restarts.",
	Args:  cobra.NoArgs,
	RunE:  runHalt,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Release the kill switch",
	Args:  cobra.NoArgs,
	RunE:  runResume,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show halt and anomaly detector state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runHalt(cmd *cobra.Command, args []string) error {
	var st halt.State
	if err := run(cmd, "Halt", api.OperatorRequest{By: operatorBy, Reason: operatorReason}, &st); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "HALTED by %s: %s\n", st.By, st.Reason)
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	var ack api.Ack
	if err := run(cmd, "Resume", api.OperatorRequest{By: operatorBy}, &ack); err != nil {
		return err
	}
	if !ack.OK {
		fmt.Fprintln(cmd.OutOrStdout(), ack.Message)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Resumed.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var st api.StatusReport
	if err := run(cmd, "Status", struct{}{}, &st); err != nil {
		return err
	}
	if rootJSON {
		return printJSON(cmd, st)
	}
	w := cmd.OutOrStdout()
	if st.Halt.Halted {
		at := ""
		if st.Halt.At != nil {
			at = " since " + st.Halt.At.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "System:   HALTED by %s%s: %s\n", st.Halt.By, at, st.Halt.Reason)
	} else {
		fmt.Fprintln(w, "System:   running")
	}
	if st.Detector.Paused {
		fmt.Fprintf(w, "Detector: PAUSED: %s\n", st.Detector.PauseReason)
	} else {
		fmt.Fprintln(w, "Detector: active")
	}
	fmt.Fprintf(w, "Pending anomalies: %d\n", st.Pending)
	return nil
}
