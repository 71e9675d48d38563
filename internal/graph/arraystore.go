package graph

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time assertion: *ArrayStore satisfies Store.
var _ Store = (*ArrayStore)(nil)

// ArrayStore implements Store over append-only slices. Query results come
// back in insertion order. Thread-safe via sync.RWMutex.
type ArrayStore struct {
	mu        sync.RWMutex
	nodes     []Node
	edges     []Edge
	nodeIndex map[string]int // node ID -> position in nodes
	edgeIndex map[string]int // edge ID -> position in edges
	frozen    bool
}

// NewArrayStore returns an initialized ArrayStore ready for use.
func NewArrayStore() *ArrayStore {
	return &ArrayStore{
		nodeIndex: make(map[string]int),
		edgeIndex: make(map[string]int),
	}
}

// InitSchema is a no-op for the in-memory store.
func (s *ArrayStore) InitSchema(_ context.Context) error {
	return nil
}

// InsertNode appends a node unless its identity is already present.
func (s *ArrayStore) InsertNode(_ context.Context, node Node) (string, error) {
	n, err := normalizeNode(node)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return "", ErrFrozen
	}
	if _, ok := s.nodeIndex[n.ID]; ok {
		return n.ID, nil
	}
	s.nodeIndex[n.ID] = len(s.nodes)
	s.nodes = append(s.nodes, n)
	return n.ID, nil
}

// InsertEdge appends an edge unless its identity is already present.
func (s *ArrayStore) InsertEdge(_ context.Context, edge Edge) (string, error) {
	e, err := normalizeEdge(edge)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return "", ErrFrozen
	}
	if _, ok := s.edgeIndex[e.ID]; ok {
		return e.ID, nil
	}
	if _, ok := s.nodeIndex[e.Source]; !ok {
		return "", fmt.Errorf("%w: source %s", ErrDanglingEdge, e.Source)
	}
	if _, ok := s.nodeIndex[e.Target]; !ok {
		return "", fmt.Errorf("%w: target %s", ErrDanglingEdge, e.Target)
	}
	s.edgeIndex[e.ID] = len(s.edges)
	s.edges = append(s.edges, e)
	return e.ID, nil
}

// GetNode returns the node with the given identity, or nil if not found.
func (s *ArrayStore) GetNode(_ context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.nodeIndex[id]
	if !ok {
		return nil, nil
	}
	n := s.nodes[i].Clone()
	return &n, nil
}

// FindNodesByType returns every node of the given kind in insertion order.
func (s *ArrayStore) FindNodesByType(_ context.Context, kind NodeKind) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Node
	for _, n := range s.nodes {
		if n.Kind == kind {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

// FindNodesByName returns every node of the given kind and exact name.
func (s *ArrayStore) FindNodesByName(_ context.Context, kind NodeKind, name string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Node
	for _, n := range s.nodes {
		if n.Kind == kind && n.Name == name {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

// Nodes returns a copy of all nodes.
func (s *ArrayStore) Nodes(_ context.Context) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.Clone()
	}
	return out, nil
}

// Edges returns a copy of all edges.
func (s *ArrayStore) Edges(_ context.Context) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Edge, len(s.edges))
	for i, e := range s.edges {
		out[i] = e.Clone()
	}
	return out, nil
}

// CountEdgesOfType counts edges of the given kind.
func (s *ArrayStore) CountEdgesOfType(_ context.Context, kind EdgeKind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.edges {
		if e.Kind == kind {
			count++
		}
	}
	return count, nil
}

// GraphSize returns the node and edge counts.
func (s *ArrayStore) GraphSize(_ context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.edges), nil
}

// Freeze makes the store read-only.
func (s *ArrayStore) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (s *ArrayStore) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Close is a no-op for the in-memory store.
func (s *ArrayStore) Close() error {
	return nil
}
