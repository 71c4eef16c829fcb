package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/api"
)

var (
	suggestWindow       string
	suggestMinApprovals int
)

func init() {
	rootCmd.AddCommand(suggestCmd)
	suggestCmd.Flags().StringVar(&suggestWindow, "window", "168h", "How far back to look")
	suggestCmd.Flags().IntVar(&suggestMinApprovals, "min-approvals", 0, "Approvals needed before suggesting (0 = default)")
}

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Suggest overrides for operations that are always approved",
	Long:  "Scans recent decisions for operations a human keeps approving and proposes\nallow overrides. Nothing is applied; use `override set` to adopt one.",
	Args:  cobra.NoArgs,
	RunE:  runSuggest,
}

func runSuggest(cmd *cobra.Command, args []string) error {
	var list api.SuggestionList
	if err := run(cmd, "Suggest", api.SuggestRequest{Window: suggestWindow, MinApprovals: suggestMinApprovals}, &list); err != nil {
		return err
	}
	if rootJSON {
		return printJSON(cmd, list)
	}
	w := cmd.OutOrStdout()
	if len(list.Suggestions) == 0 {
		fmt.Fprintln(w, "No suggestions.")
		return nil
	}
	for _, s := range list.Suggestions {
		o := s.Override
		fmt.Fprintf(w, "opwarden override set %s %s", o.Operation, o.Action)
		if o.Target != "" {
			fmt.Fprintf(w, " --target %s", o.Target)
		}
		if o.AgentID != "" {
			fmt.Fprintf(w, " --agent %s", o.AgentID)
		}
		fmt.Fprintf(w, "   # approved %d times\n", s.Approvals)
	}
	return nil
}
