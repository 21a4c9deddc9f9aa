package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/imbridge/internal/version"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "imbridge",
		Short:         "Messaging platform bridge for agent runtimes",
		Long:          "imbridge connects DingTalk, Feishu, WeCom and QQ bots to an agent runtime over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml or config.yaml (default: $CONFIG_PATH or config.toml)")

	root.AddCommand(serveCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(sanitizeCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "imbridge %s\n", version.GetInfo())
		},
	}
}

// resolveConfigPath prefers the flag, then CONFIG_PATH.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("CONFIG_PATH")
}
