// Package cmd contains the toolgate command line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "ToolGate is an intelligent gateway for MCP servers",
	Long: "ToolGate sits between an MCP client and a fleet of backend MCP servers.\n" +
		"It aggregates their tools into one searchable catalog, ranks tools against\n" +
		"natural-language queries, enforces token budgets when exposing tools, and\n" +
		"proxies tool calls to the right backend.",
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
