// Package demobot is the CLI entrypoint, structured after the teacher's
// cmd/helix root/serve split.
package demobot

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "demobot",
		Short: "demobot",
		Long:  "Discord demo-archival and rendering bot",
	}

	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

// Execute runs the root command, exiting with the process's documented
// status codes (spec.md §6): 0 clean shutdown, 1 an uncaught startup
// failure, 2 an unhandled chat-library error.
func Execute() {
	rootCmd := NewRootCmd()
	rootCmd.SetContext(context.Background())
	rootCmd.SetOutput(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}
