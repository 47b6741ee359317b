package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/waypoint/internal/cli"
	"github.com/aretw0/waypoint/pkg/adapters/mcp"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Exposes thread history and checkpoint inspection as MCP tools:
list_threads, get_thread and latest_checkpoint.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		port, _ := cmd.Flags().GetInt("port")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd)
		slog.SetDefault(a.logger)

		srv := mcp.NewServer(a.engine.History(), a.engine)

		switch transport {
		case "stdio":
			// Ensure logs don't corrupt JSON-RPC on Stdout
			log.SetOutput(os.Stderr)
			a.logger.Info("Starting waypoint MCP Server (Stdio)")
			return srv.ServeStdio()
		case "sse":
			sc := cli.NewSignalContext(cmd.Context())
			defer sc.Cancel()
			if err := srv.ServeSSE(sc, port); err != nil {
				return err
			}
			a.logger.Info("MCP Server stopped gracefully")
			return nil
		default:
			return fmt.Errorf("unknown transport: %s. Supported: stdio, sse", transport)
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().Int("port", 8081, "Port to listen on (only for SSE)")
}
