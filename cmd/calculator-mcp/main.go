// Command calculator-mcp serves the demo tools over stdio, for MCP clients
// that want to try them without a toolstream server.
package main

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/opencode-ai/toolstream/internal/logging"
	"github.com/opencode-ai/toolstream/pkg/mcpserver/calculator"
)

func main() {
	// stdout carries the protocol, so logs go to stderr via the default config.
	logging.Init(logging.DefaultConfig())

	s := calculator.NewServer()
	if err := server.ServeStdio(s); err != nil {
		logging.Fatal().Err(err).Msg("calculator server stopped")
	}
}
