// Package mcp exposes Tsugi runs, worker jobs and offloaded tool outputs to
// MCP clients.
//
// The tools mirror the HTTP API so an MCP-capable agent can start a chain on
// a thread, wait for it across continuation hops, and page through artifacts
// without speaking REST.
package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsugi/internal/artifact"
	"github.com/ashita-ai/tsugi/internal/service/runs"
	"github.com/ashita-ai/tsugi/internal/storage"
)

// Server wraps the MCP server with Tsugi's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	runs      *runs.Service
	artifacts *artifact.Store
	logger    *slog.Logger
}

// New creates an MCP server with all resources and tools registered.
func New(db *storage.DB, runSvc *runs.Service, artifacts *artifact.Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:        db,
		runs:      runSvc,
		artifacts: artifacts,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tsugi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(instructions),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const instructions = `Tsugi runs supervisor agents on threads. A run may delegate one task to a
worker; the chain then continues in a new hop once the worker finishes.
Start a chain with tsugi_start_run, then call tsugi_wait_run with the returned
run_id. A "deferred" outcome means the chain is still running: call wait again.
Long tool outputs are stored as artifacts; read them with tsugi_read_tool_output.`

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
