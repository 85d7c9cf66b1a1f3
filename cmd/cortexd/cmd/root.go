/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cortexos/cortexos/internal/version"
)

var (
	// serverURL is the daemon's A2A base URL for client commands.
	serverURL string
	// outputFormat is the output format (table, json, yaml).
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "cortexd",
	Short: "CortexOS orchestration kernel",
	Long: `cortexd runs the CortexOS orchestration kernel and talks to a running one.

The serve command starts the daemon: agent pool, memory manager, FinOps
engine, model router, A2A gateway, and CADP federation. The remaining
commands are clients of the daemon's A2A API.

Examples:
  # Run the daemon
  cortexd serve --config cortexd.yaml

  # Submit a task and wait for the result
  cortexd submit --prompt "Summarize the deploy logs" --wait

  # Inspect tasks
  cortexd tasks
  cortexd status a2a-5f0c...`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Daemon base URL (defaults to $CORTEXD_SERVER or http://localhost:3200)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
}

// serverBase returns the daemon base URL, flag first, then environment.
func serverBase() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	if v := os.Getenv("CORTEXD_SERVER"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:3200"
}
