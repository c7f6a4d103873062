// Package main is the entry point for bouncebox.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. configPath is shared by every
// subcommand through the persistent --config flag.
func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "bouncebox",
		Short: "Bounce and auto-reply intake service",
		Long: `bouncebox accepts inbound mail over SMTP or from a polled IMAP mailbox,
classifies each message as a hard bounce, soft bounce, auto-reply or unknown,
records it, and notifies the configured recipient.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file (optional)")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newClassifyCmd())
	rootCmd.AddCommand(newActivityCmd(&configPath))
	rootCmd.AddCommand(newBouncesCmd(&configPath))
	return rootCmd
}
