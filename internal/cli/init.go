package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/config"
	"github.com/ppiankov/opwarden/internal/policy"
)

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration and approval table",
	Long:  "Creates ~/.opwarden/opwarden.yaml and approval-levels.yaml next to it.\nExisting files are left alone unless --force is given.",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := rootConfig
	if path == "" {
		path = config.DefaultPath()
	}
	tablePath := filepath.Join(filepath.Dir(path), "approval-levels.yaml")

	for _, f := range []struct {
		path  string
		write func(string, bool) (bool, error)
	}{
		{path, config.WriteDefault},
		{tablePath, policy.WriteDefaultTable},
	} {
		wrote, err := f.write(f.path, initForce)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintf(cmd.OutOrStdout(), "  created %s\n", f.path)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "  exists  %s (use --force to overwrite)\n", f.path)
		}
	}
	return nil
}
