// commands.go contains the cobra command definitions. Each builder
// creates a command and wires it to its handler.
package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		dir   string
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hotaru runtime",
		Long: `Start the runtime for the working directory: storage, permission
gating, builtin tools, language servers, and configured MCP servers.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Serve the current directory
  hotaru serve

  # Serve another project with debug logging
  hotaru serve --dir ~/src/project --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), dir, debug)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "C", "", "Working directory (default: current directory)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildMCPCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage Model Context Protocol servers",
	}
	cmd.PersistentFlags().StringVarP(&dir, "dir", "C", "", "Working directory (default: current directory)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the status of every configured MCP server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMCPStatus(cmd.Context(), dir)
			},
		},
		&cobra.Command{
			Use:   "connect <name>",
			Short: "Connect one MCP server",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMCPConnect(cmd.Context(), dir, args[0])
			},
		},
		&cobra.Command{
			Use:   "disconnect <name>",
			Short: "Disconnect one MCP server",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMCPDisconnect(cmd.Context(), dir, args[0])
			},
		},
		&cobra.Command{
			Use:   "auth <name>",
			Short: "Run the OAuth flow for a remote MCP server",
			Long: `Open the authorization page in a browser and wait for the loopback
callback on 127.0.0.1:19876. Tokens are stored in mcp-auth.json.`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMCPAuth(cmd.Context(), dir, args[0])
			},
		},
		&cobra.Command{
			Use:   "logout <name>",
			Short: "Drop stored credentials for a remote MCP server",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMCPLogout(cmd.Context(), dir, args[0])
			},
		},
	)
	return cmd
}

func buildDebugCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Debugging helpers",
	}
	cmd.PersistentFlags().StringVarP(&dir, "dir", "C", "", "Working directory (default: current directory)")

	lspCmd := &cobra.Command{
		Use:   "lsp",
		Short: "Language server debugging",
	}
	lspCmd.AddCommand(&cobra.Command{
		Use:   "diagnostics <file>",
		Short: "Show language server diagnostics for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLSPDiagnostics(cmd.Context(), dir, args[0])
		},
	})

	cmd.AddCommand(lspCmd)
	return cmd
}
