package mcptools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dusk-indust/codegraph/internal/export"
	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/orchestrator"
)

// ErrNoGraph is returned by query tools before any graph has been built.
var ErrNoGraph = errors.New("no graph built yet: call build_graph first")

// CodeGraphService holds the most recently built graph used by MCP tool
// handlers. A new build replaces (and closes) the previous one once every
// query still reading it has returned.
type CodeGraphService struct {
	// defaults is merged into every build request.
	defaults orchestrator.Options

	// mu is held for reading for the whole of a query, so the write lock
	// taken to swap graphs waits for in-flight readers.
	mu      sync.RWMutex
	current *orchestrator.Result
}

// NewCodeGraphService creates a CodeGraphService. Fields of defaults that a
// build_graph call leaves empty are taken from defaults.
func NewCodeGraphService(defaults orchestrator.Options) *CodeGraphService {
	return &CodeGraphService{defaults: defaults}
}

// Close releases the current graph.
func (s *CodeGraphService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Store.Close()
	s.current = nil
	return err
}

// withStore runs fn against the current graph while holding the read lock.
func (s *CodeGraphService) withStore(fn func(graph.Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ErrNoGraph
	}
	return fn(s.current.Store)
}

// BuildGraph runs the full build pipeline over a repository and keeps the
// frozen graph for later queries.
func (s *CodeGraphService) BuildGraph(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input BuildGraphInput,
) (*mcp.CallToolResult, BuildGraphOutput, error) {
	if input.RepoPath == "" {
		return nil, BuildGraphOutput{}, fmt.Errorf("repoPath is required")
	}

	opts := s.defaults
	opts.Root = input.RepoPath
	if input.Language != "" {
		opts.Language = input.Language
	}
	if len(input.Include) > 0 {
		opts.Include = input.Include
	}
	if len(input.Exclude) > 0 {
		opts.Exclude = input.Exclude
	}
	if input.Backend != "" {
		opts.Backend = input.Backend
	}
	opts.UseLSP = opts.UseLSP || input.UseLSP

	res, err := orchestrator.Build(ctx, opts)
	if err != nil {
		return nil, BuildGraphOutput{}, fmt.Errorf("build graph: %w", err)
	}
	sum, err := graph.Summarize(ctx, res.Store)
	if err != nil {
		res.Store.Close()
		return nil, BuildGraphOutput{}, fmt.Errorf("summarize: %w", err)
	}

	s.mu.Lock()
	prev := s.current
	s.current = res
	s.mu.Unlock()
	if prev != nil {
		if err := prev.Store.Close(); err != nil {
			slog.Warn("mcp.close_previous",
				slog.String("build_id", prev.Report.BuildID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil, BuildGraphOutput{
		Report:  res.Report,
		Summary: sum,
		Skipped: res.Report.SkippedPaths(),
	}, nil
}

// FindNodes returns nodes of one kind, optionally filtered by exact name.
func (s *CodeGraphService) FindNodes(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input FindNodesInput,
) (*mcp.CallToolResult, FindNodesOutput, error) {
	kind, err := parseNodeKind(input.Kind)
	if err != nil {
		return nil, FindNodesOutput{}, err
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}

	var nodes []graph.Node
	err = s.withStore(func(st graph.Store) error {
		var err error
		if input.Name != "" {
			nodes, err = st.FindNodesByName(ctx, kind, input.Name)
		} else {
			nodes, err = st.FindNodesByType(ctx, kind)
		}
		return err
	})
	if errors.Is(err, ErrNoGraph) {
		return nil, FindNodesOutput{}, err
	}
	if err != nil {
		return nil, FindNodesOutput{}, fmt.Errorf("find nodes: %w", err)
	}
	graph.SortNodes(nodes)

	total := len(nodes)
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}
	if nodes == nil {
		nodes = []graph.Node{}
	}
	return nil, FindNodesOutput{Nodes: nodes, Total: total}, nil
}

// GraphSize returns node and edge totals.
func (s *CodeGraphService) GraphSize(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ GraphSizeInput,
) (*mcp.CallToolResult, GraphSizeOutput, error) {
	var nodes, edges int
	err := s.withStore(func(st graph.Store) error {
		var err error
		nodes, edges, err = st.GraphSize(ctx)
		return err
	})
	if errors.Is(err, ErrNoGraph) {
		return nil, GraphSizeOutput{}, err
	}
	if err != nil {
		return nil, GraphSizeOutput{}, fmt.Errorf("graph size: %w", err)
	}
	return nil, GraphSizeOutput{Nodes: nodes, Edges: edges}, nil
}

// CountEdges returns the number of edges of one kind.
func (s *CodeGraphService) CountEdges(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input CountEdgesInput,
) (*mcp.CallToolResult, CountEdgesOutput, error) {
	kind, err := parseEdgeKind(input.Kind)
	if err != nil {
		return nil, CountEdgesOutput{}, err
	}
	var n int
	err = s.withStore(func(st graph.Store) error {
		var err error
		n, err = st.CountEdgesOfType(ctx, kind)
		return err
	})
	if errors.Is(err, ErrNoGraph) {
		return nil, CountEdgesOutput{}, err
	}
	if err != nil {
		return nil, CountEdgesOutput{}, fmt.Errorf("count edges: %w", err)
	}
	return nil, CountEdgesOutput{Kind: string(kind), Count: n}, nil
}

// ExportGraph renders the current graph as JSON or Mermaid.
func (s *CodeGraphService) ExportGraph(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ExportGraphInput,
) (*mcp.CallToolResult, ExportGraphOutput, error) {
	format := strings.ToLower(input.Format)
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "mermaid" {
		return nil, ExportGraphOutput{}, fmt.Errorf("unknown format %q: want json or mermaid", input.Format)
	}

	var doc string
	err := s.withStore(func(st graph.Store) error {
		if format == "mermaid" {
			var err error
			doc, err = export.GenerateMermaid(ctx, st)
			return err
		}
		var buf bytes.Buffer
		if err := export.WriteJSON(ctx, &buf, st); err != nil {
			return err
		}
		doc = buf.String()
		return nil
	})
	if err != nil {
		return nil, ExportGraphOutput{}, err
	}
	return nil, ExportGraphOutput{Format: format, Document: doc}, nil
}

// symbolKinds are the entity kinds query_symbols searches.
var symbolKinds = []graph.NodeKind{graph.NodeClass, graph.NodeFunction, graph.NodeDataModel, graph.NodeRequest, graph.NodePage}

// QuerySymbols searches entity names by substring.
func (s *CodeGraphService) QuerySymbols(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input QuerySymbolsInput,
) (*mcp.CallToolResult, QuerySymbolsOutput, error) {
	if input.Query == "" {
		return nil, QuerySymbolsOutput{}, fmt.Errorf("query is required")
	}
	kinds := symbolKinds
	if input.Kind != "" {
		kind, err := parseNodeKind(input.Kind)
		if err != nil {
			return nil, QuerySymbolsOutput{}, err
		}
		kinds = []graph.NodeKind{kind}
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}

	needle := strings.ToLower(input.Query)
	matches := []graph.Node{}
	err := s.withStore(func(st graph.Store) error {
		for _, k := range kinds {
			nodes, err := st.FindNodesByType(ctx, k)
			if err != nil {
				return err
			}
			for _, n := range nodes {
				if strings.Contains(strings.ToLower(n.Name), needle) {
					matches = append(matches, n)
				}
			}
		}
		return nil
	})
	if errors.Is(err, ErrNoGraph) {
		return nil, QuerySymbolsOutput{}, err
	}
	if err != nil {
		return nil, QuerySymbolsOutput{}, fmt.Errorf("query symbols: %w", err)
	}
	graph.SortNodes(matches)

	total := len(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return nil, QuerySymbolsOutput{Symbols: matches, Total: total}, nil
}

// GetDependencies walks dependency edges from one node.
func (s *CodeGraphService) GetDependencies(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input GetDependenciesInput,
) (*mcp.CallToolResult, GetDependenciesOutput, error) {
	if input.NodeID == "" {
		return nil, GetDependenciesOutput{}, fmt.Errorf("nodeId is required")
	}
	direction := graph.DirectionDownstream
	switch strings.ToLower(input.Direction) {
	case "", string(graph.DirectionDownstream):
	case string(graph.DirectionUpstream):
		direction = graph.DirectionUpstream
	default:
		return nil, GetDependenciesOutput{}, fmt.Errorf("unknown direction %q: want upstream or downstream", input.Direction)
	}
	maxDepth := input.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 5
	}

	var chains []graph.DependencyChain
	err := s.withStore(func(st graph.Store) error {
		var err error
		chains, err = graph.Dependencies(ctx, st, input.NodeID, direction, maxDepth)
		return err
	})
	if errors.Is(err, ErrNoGraph) {
		return nil, GetDependenciesOutput{}, err
	}
	if err != nil {
		return nil, GetDependenciesOutput{}, fmt.Errorf("get dependencies: %w", err)
	}
	return nil, GetDependenciesOutput{Chains: chains}, nil
}

// AssessImpact returns the files affected by changing the given files.
func (s *CodeGraphService) AssessImpact(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input AssessImpactInput,
) (*mcp.CallToolResult, AssessImpactOutput, error) {
	if len(input.ChangedFiles) == 0 {
		return nil, AssessImpactOutput{}, fmt.Errorf("changedFiles is required")
	}
	var impact graph.ImpactResult
	err := s.withStore(func(st graph.Store) error {
		var err error
		impact, err = graph.AssessImpact(ctx, st, input.ChangedFiles)
		return err
	})
	if errors.Is(err, ErrNoGraph) {
		return nil, AssessImpactOutput{}, err
	}
	if err != nil {
		return nil, AssessImpactOutput{}, fmt.Errorf("assess impact: %w", err)
	}
	return nil, AssessImpactOutput{Impact: impact}, nil
}

// parseNodeKind accepts a node kind in any letter case.
func parseNodeKind(s string) (graph.NodeKind, error) {
	for _, k := range graph.NodeKinds {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown node kind %q", s)
}

// parseEdgeKind accepts an edge kind in any letter case.
func parseEdgeKind(s string) (graph.EdgeKind, error) {
	for _, k := range graph.EdgeKinds {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown edge kind %q", s)
}
