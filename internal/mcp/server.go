// Package mcp exposes context assembly and graph reads as MCP tools.
package mcp

import (
	"net/http"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// New creates an MCP server with all tools registered.
func New(t *Tools) *gomcp.Server {
	srv := gomcp.NewServer(&gomcp.Implementation{
		Name:    "loresmith-graph",
		Version: "0.1.0",
	}, nil)

	gomcp.AddTool(srv, &gomcp.Tool{
		Name:        "assemble_context",
		Description: "Assemble planning context for a campaign query: relevant entities with relationships and neighbors, planning notes and the changelog overlay",
	}, t.AssembleContext)

	gomcp.AddTool(srv, &gomcp.Tool{
		Name:        "get_neighbors",
		Description: "List entities reachable from an entity within a bounded number of relationship hops",
	}, t.GetNeighbors)

	gomcp.AddTool(srv, &gomcp.Tool{
		Name:        "list_pending_duplicates",
		Description: "List open duplicate-entity reviews of a campaign, newest first",
	}, t.ListPendingDuplicates)

	return srv
}

// Handler serves srv over the streamable HTTP transport.
func Handler(srv *gomcp.Server) http.Handler {
	return gomcp.NewStreamableHTTPHandler(func(*http.Request) *gomcp.Server {
		return srv
	}, nil)
}
