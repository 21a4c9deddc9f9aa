package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/imbridge/internal/auth"
	"github.com/memohai/imbridge/internal/config"
	"github.com/memohai/imbridge/internal/sanitize"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var (
		subject  string
		expires  time.Duration
		accounts []string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a JWT for the /api endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if expires <= 0 {
				expires = cfg.Auth.ExpiresIn()
			}
			signed, expiresAt, err := auth.GenerateToken(subject, cfg.Auth.JWTSecret, expires, accounts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, usually the agent runtime name")
	cmd.Flags().DurationVar(&expires, "expires", 0, "token lifetime (default: auth.jwt_expires_in)")
	cmd.Flags().StringSliceVar(&accounts, "account", nil, "restrict the token to these account ids")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func sanitizeCmd() *cobra.Command {
	var showRaw bool
	cmd := &cobra.Command{
		Use:   "sanitize",
		Short: "Clean agent output read from stdin the way replies are cleaned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			msg := sanitize.New(string(raw))
			out := cmd.OutOrStdout()
			if showRaw {
				fmt.Fprintf(out, "raw: %q\n", strings.TrimSpace(msg.Raw))
			}
			if msg.Suppressed {
				fmt.Fprintln(cmd.ErrOrStderr(), "(suppressed: nothing would be sent)")
				return nil
			}
			fmt.Fprintln(out, msg.Cleaned)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showRaw, "raw", false, "also print the raw input")
	return cmd
}
