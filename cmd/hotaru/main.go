// Package main provides the CLI entry point for the hotaru coding
// agent runtime.
//
// # Basic Usage
//
// Start the runtime:
//
//	hotaru serve
//
// Inspect MCP servers:
//
//	hotaru mcp status
//	hotaru mcp auth github
//
// Debug language server diagnostics:
//
//	hotaru debug lsp diagnostics main.go
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hotaru",
		Short: "hotaru is a coding agent runtime",
		Long: `hotaru runs an AI coding agent against your repository: sessions,
tools, language server feedback, and MCP server integration.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMCPCmd(),
		buildDebugCmd(),
		buildVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hotaru %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// setupLogger configures slog for the process.
func setupLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
