package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/permission"
)

var (
	grantTarget   string
	grantDuration string
	grantBy       string
	grantReason   string
	grantMaxUses  int
	revokeReason  string
	permAll       bool
)

func init() {
	rootCmd.AddCommand(permissionCmd)
	permissionCmd.AddCommand(permissionGrantCmd)
	permissionCmd.AddCommand(permissionRevokeCmd)
	permissionCmd.AddCommand(permissionListCmd)

	permissionGrantCmd.Flags().StringVar(&grantTarget, "target", "", "Limit the grant to one target")
	permissionGrantCmd.Flags().StringVar(&grantDuration, "for", "1h", "Grant lifetime (max 720h)")
	permissionGrantCmd.Flags().StringVar(&grantBy, "by", os.Getenv("USER"), "Operator issuing the grant")
	permissionGrantCmd.Flags().StringVar(&grantReason, "reason", "", "Why the grant exists")
	permissionGrantCmd.Flags().IntVar(&grantMaxUses, "max-uses", 0, "Consume the grant after N uses (0 = unlimited)")
	permissionRevokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Why the grant is revoked")
	permissionListCmd.Flags().BoolVar(&permAll, "all", false, "Include expired, exhausted and revoked grants")
}

var permissionCmd = &cobra.Command{
	Use:     "permission",
	Aliases: []string{"perm"},
	Short:   "Timed permission grants",
	Long:    "Grant, revoke and list time-boxed permissions. A usable grant lets its\nsubject skip approval for the operation; it never lifts a hard block.",
}

var permissionGrantCmd = &cobra.Command{
	Use:   "grant <subject> <category:action>",
	Short: "Grant a timed permission",
	Args:  cobra.ExactArgs(2),
	RunE:  runPermissionGrant,
}

var permissionRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a grant",
	Args:  cobra.ExactArgs(1),
	RunE:  runPermissionRevoke,
}

var permissionListCmd = &cobra.Command{
	Use:   "list <subject>",
	Short: "List a subject's grants",
	Args:  cobra.ExactArgs(1),
	RunE:  runPermissionList,
}

func runPermissionGrant(cmd *cobra.Command, args []string) error {
	var p permission.TimedPermission
	err := run(cmd, "GrantPermission", api.GrantRequest{
		SubjectID: args[0],
		Operation: args[1],
		Target:    grantTarget,
		Duration:  grantDuration,
		GrantedBy: grantBy,
		Reason:    grantReason,
		MaxUses:   grantMaxUses,
	}, &p)
	if err != nil {
		return err
	}
	if rootJSON {
		return printJSON(cmd, p)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Granted %s to %s until %s (id %s)\n",
		p.Operation, p.SubjectID, p.ExpiresAt.Local().Format(time.RFC3339), p.ID)
	return nil
}

func runPermissionRevoke(cmd *cobra.Command, args []string) error {
	if err := run(cmd, "RevokePermission", api.RevokeRequest{ID: args[0], Reason: revokeReason}, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
	return nil
}

func runPermissionList(cmd *cobra.Command, args []string) error {
	var list api.PermissionList
	if err := run(cmd, "ListPermissions", api.ListPermissionsRequest{SubjectID: args[0], ActiveOnly: !permAll}, &list); err != nil {
		return err
	}
	if rootJSON {
		return printJSON(cmd, list)
	}
	if len(list.Permissions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No grants.")
		return nil
	}
	now := time.Now()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOPERATION\tTARGET\tEXPIRES\tUSES\tSTATE")
	for _, p := range list.Permissions {
		uses := fmt.Sprintf("%d", p.UsageCount)
		if p.MaxUses > 0 {
			uses = fmt.Sprintf("%d/%d", p.UsageCount, p.MaxUses)
		}
		state := "active"
		switch {
		case p.Revoked:
			state = "revoked"
		case !p.Usable(now):
			state = "expired"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Operation, dash(p.Target),
			p.ExpiresAt.Local().Format(time.RFC3339), uses, state)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
