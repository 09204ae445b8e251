package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "pantheon",
		Short:        "OpenAI-compatible API over browser chat sessions",
		Long:         "pantheon drives logged-in chat websites through a pool of browser tabs and exposes them as an OpenAI-compatible chat completions API.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.pantheon/config.yaml)")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newAskCmd(),
		newConfigCmd(&configPath),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "pantheon v%s\n", version)
			return err
		},
	}
}
