package mcptools

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is set by the linker at build time.
var Version = "dev"

// NewCodeGraphMCPServer creates an MCP server with the graph tools registered.
func NewCodeGraphMCPServer(svc *CodeGraphService) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "codegraph",
		Version: Version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "build_graph",
		Description: "Build the code graph of a repository for one language. Discovers and parses source files, resolves imports and calls, detects requests, handlers and pages, and keeps the frozen graph for the query tools.",
	}, svc.BuildGraph)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "find_nodes",
		Description: "List nodes of one kind in the current graph, optionally filtered by exact name.",
	}, svc.FindNodes)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "graph_size",
		Description: "Return the number of nodes and edges in the current graph.",
	}, svc.GraphSize)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "count_edges",
		Description: "Count edges of one kind (Contains, Imports, Calls, Renders, Handler, Operand, Uses) in the current graph.",
	}, svc.CountEdges)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "export_graph",
		Description: "Render the current graph as sorted JSON or as a Mermaid diagram.",
	}, svc.ExportGraph)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "query_symbols",
		Description: "Search classes, functions, data models, requests and pages by a case-insensitive substring of their name.",
	}, svc.QuerySymbols)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_dependencies",
		Description: "Walk Imports, Calls, Renders, Handler and Uses edges from a node. Upstream lists what the node depends on; downstream lists what depends on it.",
	}, svc.GetDependencies)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "assess_impact",
		Description: "Given files about to change, list the files that depend on them directly and transitively, with the share of the repository affected.",
	}, svc.AssessImpact)

	return server
}

// Handler returns the streamable HTTP handler serving the MCP tools.
func Handler(svc *CodeGraphService) http.Handler {
	server := NewCodeGraphMCPServer(svc)
	return mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return server },
		nil,
	)
}

// ListenAndServe serves handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Shutdown gracefully when context is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
