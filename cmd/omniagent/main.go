// Package main is the omniagent CLI: one binary that runs the channel
// gateway, an interactive REPL, one-shot stdio turns, and the recurring
// background-job scheduler.
//
// Start the gateway:
//
//	omniagent gateway --config omniagent.yaml
//
// Talk to the agent locally:
//
//	omniagent repl
//	echo "summarize this" | omniagent stdio
//
// Run a prompt on a schedule:
//
//	omniagent schedule --every 1h --prompt "check the feeds" --max-runs 4
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "omniagent",
		Short: "omniagent - channel-connected agent runtime",
		Long: `omniagent connects Telegram and Discord to an LLM-backed turn engine
with remote tool execution, episodic memory recall, and background jobs.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")

	rootCmd.AddCommand(
		buildGatewayCmd(),
		buildReplCmd(),
		buildStdioCmd(),
		buildScheduleCmd(),
		buildChannelCmd(),
	)
	return rootCmd
}
