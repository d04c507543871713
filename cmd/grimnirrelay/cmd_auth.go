/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_relay/internal/auth"
)

var (
	tokenRoles    []string
	tokenChannels []string
	tokenTTL      time.Duration
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key tools",
}

var apikeyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Generate a random API key. Put the hash (or the key itself) in
GRIMNIR_RELAY_API_KEYS and hand the key to the client.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, hash, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "key:  %s\nhash: %s\n", key, hash)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue a signed API token",
	Long: `Issue a JWT signed with GRIMNIR_RELAY_JWT_SECRET.

Examples:
  # Operator token limited to two channels
  grimnirrelay token ci --role operator --channel lobby --channel stage

  # Read-only token valid for a week
  grimnirrelay token dashboard --role viewer --ttl 168h
`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", []string{auth.RoleViewer}, "Roles to grant (admin, operator, viewer)")
	tokenCmd.Flags().StringSliceVar(&tokenChannels, "channel", nil, "Restrict the token to these channels")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	apikeyCmd.AddCommand(apikeyGenerateCmd)
	rootCmd.AddCommand(apikeyCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("GRIMNIR_RELAY_JWT_SECRET is not set")
	}
	for _, r := range tokenRoles {
		switch r {
		case auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer:
		default:
			return fmt.Errorf("unknown role %q", r)
		}
	}

	token, err := auth.Issue([]byte(cfg.JWTSecret), args[0], auth.Claims{
		Roles:    tokenRoles,
		Channels: tokenChannels,
	}, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
