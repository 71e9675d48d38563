package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dusk-indust/codegraph/internal/graph"
)

// GraphExport is the top-level JSON export structure.
type GraphExport struct {
	Summary graph.Summary `json:"summary"`
	Nodes   []graph.Node  `json:"nodes"`
	Edges   []graph.Edge  `json:"edges"`
}

// Collect reads every node and edge of store, sorted by identity so that
// two builds of the same input export byte-identical documents regardless
// of backend.
func Collect(ctx context.Context, store graph.Store) (*GraphExport, error) {
	sum, err := graph.Summarize(ctx, store)
	if err != nil {
		return nil, err
	}
	nodes, err := store.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	edges, err := store.Edges(ctx)
	if err != nil {
		return nil, fmt.Errorf("get edges: %w", err)
	}
	graph.SortNodes(nodes)
	graph.SortEdges(edges)
	if nodes == nil {
		nodes = []graph.Node{}
	}
	if edges == nil {
		edges = []graph.Edge{}
	}
	return &GraphExport{Summary: sum, Nodes: nodes, Edges: edges}, nil
}

// WriteJSON writes the graph held by store to w as indented JSON.
func WriteJSON(ctx context.Context, w io.Writer, store graph.Store) error {
	doc, err := Collect(ctx, store)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	return nil
}
