package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taras-bel/freelance/backend/internal/auth"
	"github.com/taras-bel/freelance/backend/internal/config"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().Int64("user", 0, "User id to issue the token for")
	tokenCmd.Flags().Bool("admin", false, "Grant the admin role")
	tokenCmd.Flags().Duration("ttl", auth.DefaultTokenTTL, "Token lifetime")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for local development",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		admin, _ := cmd.Flags().GetBool("admin")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if userID <= 0 {
			return errors.New("--user must be a positive user id")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is required")
		}
		role := ""
		if admin {
			role = auth.RoleAdmin
		}
		tok, err := auth.NewService(cfg.JWTSecret).IssueToken(userID, role, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
