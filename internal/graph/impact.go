package graph

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Direction selects which way Dependencies walks dependency edges.
type Direction string

const (
	// DirectionUpstream follows edges from source to target: what the
	// node depends on.
	DirectionUpstream Direction = "upstream"
	// DirectionDownstream follows edges from target to source: what
	// depends on the node.
	DirectionDownstream Direction = "downstream"
)

// DependencyEdges are the edge kinds that express one entity relying on
// another. Contains and Operand are structural and never traversed.
var DependencyEdges = []EdgeKind{EdgeImports, EdgeCalls, EdgeRenders, EdgeHandler, EdgeUses}

// DependencyChain is the path from the start node to one reachable node.
type DependencyChain struct {
	Nodes []string `json:"nodes"` // identities, start first
	Depth int      `json:"depth"`
}

// ImpactResult describes the files affected by changing a set of files.
type ImpactResult struct {
	Changed              []string `json:"changed"`              // changed files present in the graph
	Unknown              []string `json:"unknown,omitempty"`    // changed files the graph does not hold
	DirectlyAffected     []string `json:"directlyAffected"`     // files with an entity that depends on a changed file
	TransitivelyAffected []string `json:"transitivelyAffected"` // full closure, including DirectlyAffected
	RiskScore            float64  `json:"riskScore"`            // share of the repo's files in the closure
}

func isDependency(k EdgeKind) bool {
	for _, d := range DependencyEdges {
		if d == k {
			return true
		}
	}
	return false
}

// Dependencies walks dependency edges breadth first from id, up to
// maxDepth hops, and returns one chain per reachable node. Each node is
// reported once, on its shortest path; ties go to the lower identity.
func Dependencies(ctx context.Context, s Store, id string, dir Direction, maxDepth int) ([]DependencyChain, error) {
	start, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if dir != DirectionUpstream && dir != DirectionDownstream {
		return nil, fmt.Errorf("graph: unknown direction %q", dir)
	}
	edges, err := s.Edges(ctx)
	if err != nil {
		return nil, err
	}

	next := make(map[string][]string)
	for _, e := range edges {
		if !isDependency(e.Kind) {
			continue
		}
		if dir == DirectionUpstream {
			next[e.Source] = append(next[e.Source], e.Target)
		} else {
			next[e.Target] = append(next[e.Target], e.Source)
		}
	}
	for k := range next {
		sort.Strings(next[k])
	}

	type entry struct {
		id   string
		path []string
	}
	visited := map[string]bool{id: true}
	queue := []entry{{id: id, path: []string{id}}}
	chains := []DependencyChain{}
	for depth := 0; depth < maxDepth && len(queue) > 0; depth++ {
		var frontier []entry
		for _, cur := range queue {
			for _, nb := range next[cur.id] {
				if visited[nb] {
					continue
				}
				visited[nb] = true
				p := append(append(make([]string, 0, len(cur.path)+1), cur.path...), nb)
				chains = append(chains, DependencyChain{Nodes: p, Depth: len(p) - 1})
				frontier = append(frontier, entry{id: nb, path: p})
			}
		}
		queue = frontier
	}
	return chains, nil
}

// AssessImpact lifts dependency edges to files and returns every file that
// depends, directly or transitively, on one of the changed files. Paths are
// repo-relative slash paths as stored on File nodes.
func AssessImpact(ctx context.Context, s Store, changed []string) (ImpactResult, error) {
	res := ImpactResult{Changed: []string{}, DirectlyAffected: []string{}, TransitivelyAffected: []string{}}
	nodes, err := s.Nodes(ctx)
	if err != nil {
		return res, err
	}
	edges, err := s.Edges(ctx)
	if err != nil {
		return res, err
	}

	fileOf := make(map[string]string, len(nodes))
	files := make(map[string]bool)
	for _, n := range nodes {
		switch n.Kind {
		case NodeRepository, NodeLanguage, NodeDirectory, NodeLibrary:
			continue
		case NodeFile:
			files[n.File] = true
		}
		fileOf[n.ID] = n.File
	}

	// dependents[f] holds the files with an entity pointing into f.
	dependents := make(map[string]map[string]bool)
	for _, e := range edges {
		if !isDependency(e.Kind) {
			continue
		}
		src, tgt := fileOf[e.Source], fileOf[e.Target]
		if src == "" || tgt == "" || src == tgt {
			continue
		}
		if dependents[tgt] == nil {
			dependents[tgt] = make(map[string]bool)
		}
		dependents[tgt][src] = true
	}

	changedSet := make(map[string]bool)
	for _, f := range changed {
		f = path.Clean(strings.TrimPrefix(strings.ReplaceAll(f, "\\", "/"), "./"))
		if !files[f] {
			res.Unknown = append(res.Unknown, f)
			continue
		}
		if !changedSet[f] {
			changedSet[f] = true
			res.Changed = append(res.Changed, f)
		}
	}

	direct := make(map[string]bool)
	for f := range changedSet {
		for d := range dependents[f] {
			if !changedSet[d] {
				direct[d] = true
			}
		}
	}
	all := make(map[string]bool, len(direct))
	frontier := make([]string, 0, len(direct))
	for d := range direct {
		all[d] = true
		frontier = append(frontier, d)
	}
	for len(frontier) > 0 {
		var more []string
		for _, f := range frontier {
			for d := range dependents[f] {
				if changedSet[d] || all[d] {
					continue
				}
				all[d] = true
				more = append(more, d)
			}
		}
		frontier = more
	}

	res.DirectlyAffected = sortedKeys(direct)
	res.TransitivelyAffected = sortedKeys(all)
	sort.Strings(res.Changed)
	sort.Strings(res.Unknown)
	if len(files) > 0 {
		res.RiskScore = float64(len(all)) / float64(len(files))
	}
	return res, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
