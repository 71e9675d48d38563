package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// Compile-time assertion: *BTreeStore satisfies Store.
var _ Store = (*BTreeStore)(nil)

// BTreeStore implements Store over ordered tree maps keyed by identity.
// Query results come back in key order. A secondary index keyed by
// "kind\x00name\x00id" serves name lookups without a full scan.
type BTreeStore struct {
	mu     sync.RWMutex
	nodes  *treemap.Map // node ID -> Node
	edges  *treemap.Map // edge ID -> Edge
	byName *treemap.Map // kind\x00name\x00id -> node ID
	frozen bool
}

// NewBTreeStore returns an initialized BTreeStore ready for use.
func NewBTreeStore() *BTreeStore {
	return &BTreeStore{
		nodes:  treemap.NewWithStringComparator(),
		edges:  treemap.NewWithStringComparator(),
		byName: treemap.NewWithStringComparator(),
	}
}

func nameKey(kind NodeKind, name, id string) string {
	return string(kind) + "\x00" + name + "\x00" + id
}

// InitSchema is a no-op for the in-memory store.
func (s *BTreeStore) InitSchema(_ context.Context) error {
	return nil
}

// InsertNode stores a node unless its identity is already present.
func (s *BTreeStore) InsertNode(_ context.Context, node Node) (string, error) {
	n, err := normalizeNode(node)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return "", ErrFrozen
	}
	if _, ok := s.nodes.Get(n.ID); ok {
		return n.ID, nil
	}
	s.nodes.Put(n.ID, n)
	s.byName.Put(nameKey(n.Kind, n.Name, n.ID), n.ID)
	return n.ID, nil
}

// InsertEdge stores an edge unless its identity is already present.
func (s *BTreeStore) InsertEdge(_ context.Context, edge Edge) (string, error) {
	e, err := normalizeEdge(edge)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return "", ErrFrozen
	}
	if _, ok := s.edges.Get(e.ID); ok {
		return e.ID, nil
	}
	if _, ok := s.nodes.Get(e.Source); !ok {
		return "", fmt.Errorf("%w: source %s", ErrDanglingEdge, e.Source)
	}
	if _, ok := s.nodes.Get(e.Target); !ok {
		return "", fmt.Errorf("%w: target %s", ErrDanglingEdge, e.Target)
	}
	s.edges.Put(e.ID, e)
	return e.ID, nil
}

// GetNode returns the node with the given identity, or nil if not found.
func (s *BTreeStore) GetNode(_ context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.nodes.Get(id)
	if !ok {
		return nil, nil
	}
	n := v.(Node).Clone()
	return &n, nil
}

// FindNodesByType returns every node of the given kind in key order.
func (s *BTreeStore) FindNodesByType(_ context.Context, kind NodeKind) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Node
	it := s.nodes.Iterator()
	for it.Next() {
		n := it.Value().(Node)
		if n.Kind == kind {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

// FindNodesByName returns every node of the given kind and exact name,
// walking the contiguous run of the name index that shares the prefix.
func (s *BTreeStore) FindNodesByName(_ context.Context, kind NodeKind, name string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := string(kind) + "\x00" + name + "\x00"
	var out []Node
	it := s.byName.Iterator()
	for it.Next() {
		key := it.Key().(string)
		if key < prefix {
			continue
		}
		if !strings.HasPrefix(key, prefix) {
			break
		}
		if v, ok := s.nodes.Get(it.Value().(string)); ok {
			out = append(out, v.(Node).Clone())
		}
	}
	return out, nil
}

// Nodes returns a copy of all nodes in key order.
func (s *BTreeStore) Nodes(_ context.Context) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, s.nodes.Size())
	for _, v := range s.nodes.Values() {
		out = append(out, v.(Node).Clone())
	}
	return out, nil
}

// Edges returns a copy of all edges in key order.
func (s *BTreeStore) Edges(_ context.Context) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Edge, 0, s.edges.Size())
	for _, v := range s.edges.Values() {
		out = append(out, v.(Edge).Clone())
	}
	return out, nil
}

// CountEdgesOfType counts edges of the given kind. Edge identities start
// with the kind, so the matching edges form one contiguous key range.
func (s *BTreeStore) CountEdgesOfType(_ context.Context, kind EdgeKind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := string(kind) + ":"
	count := 0
	it := s.edges.Iterator()
	for it.Next() {
		if strings.HasPrefix(it.Key().(string), prefix) {
			count++
		} else if count > 0 {
			break
		}
	}
	return count, nil
}

// GraphSize returns the node and edge counts.
func (s *BTreeStore) GraphSize(_ context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes.Size(), s.edges.Size(), nil
}

// Freeze makes the store read-only.
func (s *BTreeStore) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (s *BTreeStore) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Close is a no-op for the in-memory store.
func (s *BTreeStore) Close() error {
	return nil
}
