package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taskd",
		Short:         "taskd - task sync and reminder push server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Config file (default ~/.config/taskd/config.yaml)")
	cmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(scanCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(vapidCmd())

	return cmd
}
