package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/incidence/internal/platform/auth"
)

func tokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken([]byte(cfg.AuthSigningKey), cfg.AuthIssuer, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleViewer}, "Role to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
