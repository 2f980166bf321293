// Load test MCP server.
// Exposes load test tools over MCP stdio transport.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/loadtest/internal/mcp"
	"github.com/gateway-fm/loadtest/internal/storage"
)

func main() {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/loadtest.db"
	}

	// stdout carries the MCP protocol.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer store.Close()

	s := server.NewMCPServer(
		"loadtest",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	mcptools.RegisterTools(s, mcptools.NewService(store, nil, logger))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
