package graph

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Store is the storage-agnostic container of a code graph.
// Implementations: ArrayStore (insertion order), BTreeStore (key order),
// KuzuStore (embedded graph database, cgo builds only).
//
// Every implementation follows the same policies:
//   - inserting an identity that already exists is a no-op returning that identity;
//   - an edge whose endpoints are not both present fails with ErrDanglingEdge;
//   - after Freeze every insert fails with ErrFrozen.
//
// Result order is backend specific. Callers compare results as sets.
type Store interface {
	io.Closer

	// Schema setup, called once before any data is inserted.
	InitSchema(ctx context.Context) error

	// Write operations.
	InsertNode(ctx context.Context, node Node) (string, error)
	InsertEdge(ctx context.Context, edge Edge) (string, error)

	// Read operations.
	GetNode(ctx context.Context, id string) (*Node, error)
	FindNodesByType(ctx context.Context, kind NodeKind) ([]Node, error)
	FindNodesByName(ctx context.Context, kind NodeKind, name string) ([]Node, error)
	Nodes(ctx context.Context) ([]Node, error)
	Edges(ctx context.Context) ([]Edge, error)
	CountEdgesOfType(ctx context.Context, kind EdgeKind) (int, error)
	GraphSize(ctx context.Context) (nodes int, edges int, err error)

	// Lifecycle.
	Freeze()
	Frozen() bool
}

// Backend names accepted by Open.
const (
	BackendArray = "array"
	BackendBTree = "btree"
	BackendKuzu  = "kuzu"
)

// OpenOptions tunes backend construction.
type OpenOptions struct {
	// Path places the database on disk. Only the kuzu backend persists;
	// the in-memory backends reject a non-empty Path.
	Path string
}

func memory(ctor func() Store) func(OpenOptions) (Store, error) {
	return func(o OpenOptions) (Store, error) {
		if o.Path != "" {
			return nil, ErrNotPersistent
		}
		return ctor(), nil
	}
}

// backends maps a backend name to its constructor. KuzuStore registers
// itself from kuzustore.go when cgo is available.
var backends = map[string]func(OpenOptions) (Store, error){
	BackendArray: memory(func() Store { return NewArrayStore() }),
	BackendBTree: memory(func() Store { return NewBTreeStore() }),
}

// loaders reopen persisted graphs, keyed by backend name.
var loaders = map[string]func(path string) (Store, error){}

// Load reopens a graph persisted by the named backend. The returned store
// is frozen.
func Load(backend, path string) (Store, error) {
	if backend == "" {
		backend = BackendKuzu
	}
	load, ok := loaders[strings.ToLower(backend)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotPersistent, backend)
	}
	return load(path)
}

// Backends returns the backend names available in this build.
func Backends() []string {
	out := []string{BackendArray, BackendBTree}
	if _, ok := backends[BackendKuzu]; ok {
		out = append(out, BackendKuzu)
	}
	return out
}

// Open constructs an in-memory store for the named backend. An empty name
// selects the array backend.
func Open(backend string) (Store, error) {
	return OpenWith(backend, OpenOptions{})
}

// OpenWith constructs a store for the named backend with explicit options.
func OpenWith(backend string, opts OpenOptions) (Store, error) {
	if backend == "" {
		backend = BackendArray
	}
	ctor, ok := backends[strings.ToLower(backend)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
	s, err := ctor(opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", backend, err)
	}
	return s, nil
}

// Summarize counts nodes and edges per kind.
func Summarize(ctx context.Context, s Store) (Summary, error) {
	sum := Summary{
		NodesByKind: make(map[NodeKind]int),
		EdgesByKind: make(map[EdgeKind]int),
	}
	nodes, err := s.Nodes(ctx)
	if err != nil {
		return sum, fmt.Errorf("summarize: nodes: %w", err)
	}
	for _, n := range nodes {
		sum.NodesByKind[n.Kind]++
	}
	edges, err := s.Edges(ctx)
	if err != nil {
		return sum, fmt.Errorf("summarize: edges: %w", err)
	}
	for _, e := range edges {
		sum.EdgesByKind[e.Kind]++
	}
	sum.Nodes, sum.Edges = len(nodes), len(edges)
	return sum, nil
}

// CheckIntegrity verifies that every edge endpoint exists and that the
// graph holds exactly one Language node.
func CheckIntegrity(ctx context.Context, s Store) error {
	nodes, err := s.Nodes(ctx)
	if err != nil {
		return err
	}
	ids := make(map[string]bool, len(nodes))
	languages := 0
	for _, n := range nodes {
		ids[n.ID] = true
		if n.Kind == NodeLanguage {
			languages++
		}
	}
	if languages != 1 {
		return fmt.Errorf("integrity: expected 1 Language node, found %d", languages)
	}
	edges, err := s.Edges(ctx)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if !ids[e.Source] || !ids[e.Target] {
			return fmt.Errorf("integrity: %w: %s", ErrDanglingEdge, e.ID)
		}
	}
	return nil
}

// normalizeNode fills in the identity of a node inserted without one.
func normalizeNode(n Node) (Node, error) {
	if err := ValidateNode(n); err != nil {
		return Node{}, err
	}
	if n.ID == "" {
		n.ID = NodeID(n.Kind, n.File, n.Name, n.StartLine)
	}
	return n.Clone(), nil
}

// normalizeEdge derives the identity of an edge from its kind and endpoints.
func normalizeEdge(e Edge) (Edge, error) {
	if err := ValidateEdge(e); err != nil {
		return Edge{}, err
	}
	e.ID = EdgeID(e.Kind, e.Source, e.Target)
	return e.Clone(), nil
}
