package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	phenommcp "github.com/ajitpratap0/phenom-core/internal/mcp"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP (Model Context Protocol) server over stdio",
		Long: `Starts an MCP JSON-RPC 2.0 server that reads from stdin and writes to stdout.
All diagnostic logs go to stderr so that stdout remains exclusively MCP protocol traffic.

Tools exposed:
  generate          answer a prompt through the routing orchestrator
  chat              continue a conversation
  ask               answer with retrieved knowledge as context
  remember, recall  personal facts
  add_knowledge     add a document to the knowledge base
  search_knowledge  nearest documents for a query
  status            routing mode, backend liveness and statistics

Unavailable backends do not stop the server; tool calls return fallback answers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			a, err := newSession(ctx, logger)
			if err != nil {
				return fmt.Errorf("mcp: %w", err)
			}
			defer closeApp(ctx, a)

			srv := phenommcp.NewServer(a.orch, a.rag, a.memory, logger)

			// Use a standard log.Logger pointing at stderr for the mcp-go error logger.
			errLogger := log.New(os.Stderr, "mcp: ", log.LstdFlags)

			logger.Info("mcp: phenom-core MCP server starting", "transport", "stdio")

			return mcpserver.ServeStdio(
				srv.MCPServer(),
				mcpserver.WithErrorLogger(errLogger),
			)
		},
	}

	return cmd
}
