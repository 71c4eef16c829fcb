package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/override"
)

var (
	overrideTarget string
	overrideAgent  string
	overrideReason string
	overrideFor    string
)

func init() {
	rootCmd.AddCommand(overrideCmd)
	overrideCmd.AddCommand(overrideSetCmd)
	overrideCmd.AddCommand(overrideRemoveCmd)
	overrideCmd.AddCommand(overrideListCmd)

	for _, c := range []*cobra.Command{overrideSetCmd, overrideRemoveCmd} {
		c.Flags().StringVar(&overrideTarget, "target", "", "Limit the override to one target")
		c.Flags().StringVar(&overrideAgent, "agent", "", "Scope the override to one agent (default global)")
	}
	overrideSetCmd.Flags().StringVar(&overrideReason, "reason", "", "Reason shown when the override applies")
	overrideSetCmd.Flags().StringVar(&overrideFor, "for", "", "Expire the override after this long")
}

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Operator exceptions to approval levels",
	Long:  "Overrides allow, block or force approval for an operation. The most specific\nmatch wins: agent+target, global+target, global, then agent-wide.",
}

var overrideSetCmd = &cobra.Command{
	Use:   "set <category:action> <allow|block|ask>",
	Short: "Add or replace an override",
	Args:  cobra.ExactArgs(2),
	RunE:  runOverrideSet,
}

var overrideRemoveCmd = &cobra.Command{
	Use:   "remove <category:action>",
	Short: "Remove an override",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverrideRemove,
}

var overrideListCmd = &cobra.Command{
	Use:   "list",
	Short: "List overrides",
	Args:  cobra.NoArgs,
	RunE:  runOverrideList,
}

func overrideScope() override.Scope {
	if overrideAgent != "" {
		return override.ScopeAgent
	}
	return override.ScopeGlobal
}

func runOverrideSet(cmd *cobra.Command, args []string) error {
	o := override.Override{
		Operation: args[0],
		Target:    overrideTarget,
		Scope:     overrideScope(),
		AgentID:   overrideAgent,
		Action:    override.Action(args[1]),
		Reason:    overrideReason,
	}
	if overrideFor != "" {
		d, err := time.ParseDuration(overrideFor)
		if err != nil {
			return fmt.Errorf("invalid --for %q: %w", overrideFor, err)
		}
		exp := time.Now().Add(d).UTC()
		o.ExpiresAt = &exp
	}
	if err := run(cmd, "SetOverride", o, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Override set: %s -> %s (%s)\n", o.Operation, o.Action, o.Scope)
	return nil
}

func runOverrideRemove(cmd *cobra.Command, args []string) error {
	var ack api.Ack
	err := run(cmd, "RemoveOverride", api.RemoveOverrideRequest{
		Operation: args[0],
		Target:    overrideTarget,
		Scope:     overrideScope(),
		AgentID:   overrideAgent,
	}, &ack)
	if err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%s", ack.Message)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Override removed: %s\n", args[0])
	return nil
}

func runOverrideList(cmd *cobra.Command, args []string) error {
	var list api.OverrideList
	if err := run(cmd, "ListOverrides", struct{}{}, &list); err != nil {
		return err
	}
	if rootJSON {
		return printJSON(cmd, list)
	}
	if len(list.Overrides) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No overrides.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tTARGET\tSCOPE\tAGENT\tACTION\tEXPIRES\tREASON")
	for _, o := range list.Overrides {
		exp := "-"
		if o.ExpiresAt != nil {
			exp = o.ExpiresAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", o.Operation, dash(o.Target), o.Scope,
			dash(o.AgentID), o.Action, exp, o.Reason)
	}
	return tw.Flush()
}
