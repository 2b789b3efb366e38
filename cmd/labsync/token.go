package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/labsync/internal/auth"
)

func newTokenCommand(root *rootOptions) *cobra.Command {
	var (
		operator string
		scopes   []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(operator) == "" {
				return fmt.Errorf("--operator is required")
			}
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			durations, err := cfg.ParseDurations()
			if err != nil {
				return err
			}
			token, err := auth.NewService(cfg.Auth.JWTSecret, durations.TokenDuration).GenerateToken(operator, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator name recorded in the token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted scopes (read, sync, admin)")
	return cmd
}
