package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/auth"
	"github.com/ppiankov/opwarden/internal/config"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

func init() {
	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
	tokenIssueCmd.Flags().StringVar(&tokenSubject, "subject", "", "Operator the token is issued to (required)")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "Token lifetime")
	_ = tokenIssueCmd.MarkFlagRequired("subject")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage REST API bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign a bearer token with server.jwt_secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(rootConfig)
		if err != nil {
			return err
		}
		if cfg.Server.JWTSecret == "" {
			return fmt.Errorf("server.jwt_secret is not set")
		}
		tok, err := auth.Issue([]byte(cfg.Server.JWTSecret), tokenSubject, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		if rootJSON {
			return printJSON(cmd, map[string]any{
				"token":      tok,
				"subject":    tokenSubject,
				"expires_at": time.Now().Add(tokenTTL).UTC(),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
