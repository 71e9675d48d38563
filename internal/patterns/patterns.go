// Package patterns recognizes application-level structure on top of the
// resolved graph: HTTP requests and the functions that serve or issue them,
// UI pages and the components they render, and the data models both touch.
package patterns

import (
	"context"
	"log/slog"
	"sort"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/lang"
	"github.com/dusk-indust/codegraph/internal/resolve"
)

// Stats counts what the passes produced.
type Stats struct {
	Requests   int `json:"requests"`
	Handlers   int `json:"handlers"`
	Clients    int `json:"clients"`
	Pages      int `json:"pages"`
	Renders    int `json:"renders"`
	ModelLinks int `json:"modelLinks"`
	Skipped    int `json:"skipped"`
}

// Output holds new nodes and edges in insertion order. Nodes come before
// the edges that reference them.
type Output struct {
	Nodes []graph.Node
	Edges []graph.Edge
	Stats Stats
}

type pass struct {
	ix        *resolve.Index
	out       *Output
	nodeAt    map[string]int // identity -> index in out.Nodes
	edgeSeen  map[string]bool
	kinds     map[string]graph.NodeKind
	uses      map[string][]string // entity -> data models it references
	callees   map[string][]string // entity -> direct call targets
	requests  []requestLink
	pageLinks []pageLink
}

type requestLink struct {
	id        string
	file      string
	line      int
	functions []string // handler and issuing functions
	returns   string   // response model name
}

type pageLink struct {
	id        string
	component string // resolved component identity, or ""
}

// Run executes the request, render and data model passes over a resolved
// index. resolved holds the edges produced by the resolution engine.
func Run(ctx context.Context, ix *resolve.Index, resolved []graph.Edge) (*Output, error) {
	p := &pass{
		ix:       ix,
		out:      &Output{},
		nodeAt:   make(map[string]int),
		edgeSeen: make(map[string]bool),
		kinds:    make(map[string]graph.NodeKind),
		uses:     make(map[string][]string),
		callees:  make(map[string][]string),
	}
	for _, f := range ix.Files() {
		in, _ := ix.Input(f)
		for i, c := range in.Result.Entities {
			if i < len(in.EntityIDs) && in.EntityIDs[i] != "" {
				p.kinds[in.EntityIDs[i]] = c.Kind
			}
		}
	}
	for _, e := range resolved {
		switch e.Kind {
		case graph.EdgeUses:
			p.uses[e.Source] = append(p.uses[e.Source], e.Target)
		case graph.EdgeCalls:
			p.callees[e.Source] = append(p.callees[e.Source], e.Target)
		}
	}

	steps := []func(){p.requestPass, p.pagePass, p.modelPass}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step()
	}
	slog.Debug("patterns.done",
		slog.Int("requests", p.out.Stats.Requests),
		slog.Int("pages", p.out.Stats.Pages),
		slog.Int("model_links", p.out.Stats.ModelLinks),
	)
	return p.out, nil
}

func (p *pass) addNode(c graph.Candidate) (string, bool) {
	n, err := graph.NewNode(c)
	if err != nil {
		p.out.Stats.Skipped++
		slog.Debug("patterns.node.invalid", slog.String("file", c.File), slog.String("error", err.Error()))
		return "", false
	}
	if _, dup := p.nodeAt[n.ID]; dup {
		return n.ID, false
	}
	p.nodeAt[n.ID] = len(p.out.Nodes)
	p.kinds[n.ID] = n.Kind
	p.out.Nodes = append(p.out.Nodes, n)
	return n.ID, true
}

func (p *pass) addEdge(e graph.Edge, err error) bool {
	if err != nil {
		p.out.Stats.Skipped++
		return false
	}
	if p.edgeSeen[e.ID] {
		return false
	}
	p.edgeSeen[e.ID] = true
	p.out.Edges = append(p.out.Edges, e)
	return true
}

// enclosing returns the identity and kind of the entity a reference sits in.
func enclosing(in resolve.FileInput, ref lang.Reference) (string, graph.NodeKind) {
	if ref.Enclosing < 0 || ref.Enclosing >= len(in.EntityIDs) || in.EntityIDs[ref.Enclosing] == "" {
		return "", ""
	}
	return in.EntityIDs[ref.Enclosing], in.Result.Entities[ref.Enclosing].Kind
}

func uniqueSorted(ids []string) []string {
	sort.Strings(ids)
	out := ids[:0]
	for _, id := range ids {
		if len(out) == 0 || id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
