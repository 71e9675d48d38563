//go:build cgo

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	kuzu "github.com/kuzudb/go-kuzu"
)

// KuzuStore implements the Store interface using KuzuDB as the graph backend.
// It requires CGO because the go-kuzu driver wraps KuzuDB's C library.
// Results come back ordered by identity.
type KuzuStore struct {
	mu     sync.Mutex // serializes use of conn
	db     *kuzu.Database
	conn   *kuzu.Connection
	frozen bool
}

// Compile-time check that KuzuStore satisfies Store.
var _ Store = (*KuzuStore)(nil)

func init() {
	backends[BackendKuzu] = func(o OpenOptions) (Store, error) {
		var (
			s   *KuzuStore
			err error
		)
		if o.Path != "" {
			s, err = NewKuzuFileStore(o.Path)
		} else {
			s, err = NewKuzuStore()
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	loaders[BackendKuzu] = func(path string) (Store, error) {
		s, err := LoadKuzuFileStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// NewKuzuStore creates a KuzuStore backed by an in-memory KuzuDB instance.
func NewKuzuStore() (*KuzuStore, error) {
	return openKuzu(":memory:")
}

// NewKuzuFileStore creates a KuzuStore persisted at dbPath. The path must
// not exist yet; a graph is built once and read many times, never merged
// into an older database.
func NewKuzuFileStore(dbPath string) (*KuzuStore, error) {
	if _, err := os.Stat(dbPath); err == nil {
		return nil, fmt.Errorf("kuzu: %s: %w", dbPath, os.ErrExist)
	}
	// KuzuDB creates the leaf itself.
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("kuzu: create parent directory: %w", err)
	}
	return openKuzu(dbPath)
}

// LoadKuzuFileStore reopens a database written through NewKuzuFileStore.
// The returned store is frozen.
func LoadKuzuFileStore(dbPath string) (*KuzuStore, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("kuzu: %w", err)
	}
	s, err := openKuzu(dbPath)
	if err != nil {
		return nil, err
	}
	s.frozen = true
	return s, nil
}

func openKuzu(path string) (*KuzuStore, error) {
	cfg := kuzu.DefaultSystemConfig()
	db, err := kuzu.OpenDatabase(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("kuzu: open database: %w", err)
	}
	conn, err := kuzu.OpenConnection(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kuzu: open connection: %w", err)
	}
	return &KuzuStore{db: db, conn: conn}, nil
}

// Close releases the KuzuDB connection and database.
func (s *KuzuStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	return nil
}

// ---------- Schema setup ----------

// ddlStatements defines the Cypher DDL executed by InitSchema.
// Order matters: node tables must precede relationship tables.
var ddlStatements = []string{
	`CREATE NODE TABLE IF NOT EXISTS CodeNode(
		id STRING,
		kind STRING,
		name STRING,
		file STRING,
		start_line INT64,
		end_line INT64,
		meta STRING,
		PRIMARY KEY(id)
	)`,
	`CREATE REL TABLE IF NOT EXISTS CodeEdge(
		FROM CodeNode TO CodeNode,
		id STRING,
		kind STRING,
		meta STRING
	)`,
}

// InitSchema creates the node and relationship tables if they do not exist.
func (s *KuzuStore) InitSchema(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrClosed
	}
	for _, stmt := range ddlStatements {
		res, err := s.conn.Query(stmt)
		if err != nil {
			return fmt.Errorf("kuzu: init schema: %w", err)
		}
		res.Close()
	}
	return nil
}

// ---------- Write operations ----------

// InsertNode creates a CodeNode unless the identity already exists.
func (s *KuzuStore) InsertNode(_ context.Context, node Node) (string, error) {
	n, err := normalizeNode(node)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return "", ErrFrozen
	}
	exists, err := s.nodeExists(n.ID)
	if err != nil {
		return "", err
	}
	if exists {
		return n.ID, nil
	}
	meta, err := encodeMeta(n.Meta)
	if err != nil {
		return "", err
	}
	err = s.exec(
		`CREATE (n:CodeNode {
			id: $id,
			kind: $kind,
			name: $name,
			file: $file,
			start_line: $sl,
			end_line: $el,
			meta: $meta
		})`,
		map[string]any{
			"id":   n.ID,
			"kind": string(n.Kind),
			"name": n.Name,
			"file": n.File,
			"sl":   int64(n.StartLine),
			"el":   int64(n.EndLine),
			"meta": meta,
		},
	)
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// InsertEdge creates a CodeEdge relationship unless the identity already
// exists. Both endpoints must already be stored.
func (s *KuzuStore) InsertEdge(_ context.Context, edge Edge) (string, error) {
	e, err := normalizeEdge(edge)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return "", ErrFrozen
	}
	rows, err := s.query(
		"MATCH ()-[r:CodeEdge]->() WHERE r.id = $id RETURN count(r)",
		map[string]any{"id": e.ID},
	)
	if err != nil {
		return "", err
	}
	if len(rows) > 0 && toInt(rows[0][0]) > 0 {
		return e.ID, nil
	}
	for _, end := range []string{e.Source, e.Target} {
		ok, err := s.nodeExists(end)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrDanglingEdge, end)
		}
	}
	meta, err := encodeMeta(e.Meta)
	if err != nil {
		return "", err
	}
	err = s.exec(
		`MATCH (a:CodeNode {id: $src}), (b:CodeNode {id: $dst})
		 CREATE (a)-[:CodeEdge {id: $id, kind: $kind, meta: $meta}]->(b)`,
		map[string]any{
			"src":  e.Source,
			"dst":  e.Target,
			"id":   e.ID,
			"kind": string(e.Kind),
			"meta": meta,
		},
	)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// ---------- Read operations ----------

const nodeColumns = "n.id, n.kind, n.name, n.file, n.start_line, n.end_line, n.meta"

// GetNode retrieves a single node by identity, or returns nil if not found.
func (s *KuzuStore) GetNode(_ context.Context, id string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query(
		"MATCH (n:CodeNode {id: $id}) RETURN "+nodeColumns,
		map[string]any{"id": id},
	)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	n := rowToNode(rows[0])
	return &n, nil
}

// FindNodesByType returns every node of the given kind ordered by identity.
func (s *KuzuStore) FindNodesByType(_ context.Context, kind NodeKind) ([]Node, error) {
	return s.queryNodes(
		"MATCH (n:CodeNode) WHERE n.kind = $kind RETURN "+nodeColumns+" ORDER BY n.id",
		map[string]any{"kind": string(kind)},
	)
}

// FindNodesByName returns every node of the given kind and exact name.
func (s *KuzuStore) FindNodesByName(_ context.Context, kind NodeKind, name string) ([]Node, error) {
	return s.queryNodes(
		"MATCH (n:CodeNode) WHERE n.kind = $kind AND n.name = $name RETURN "+nodeColumns+" ORDER BY n.id",
		map[string]any{"kind": string(kind), "name": name},
	)
}

// Nodes returns every node ordered by identity.
func (s *KuzuStore) Nodes(_ context.Context) ([]Node, error) {
	return s.queryNodes("MATCH (n:CodeNode) RETURN "+nodeColumns+" ORDER BY n.id", nil)
}

// Edges returns every edge ordered by identity.
func (s *KuzuStore) Edges(_ context.Context) ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query(
		"MATCH (a:CodeNode)-[r:CodeEdge]->(b:CodeNode) RETURN r.id, r.kind, a.id, b.id, r.meta ORDER BY r.id",
		nil,
	)
	if err != nil {
		return nil, err
	}
	out := make([]Edge, 0, len(rows))
	for _, r := range rows {
		out = append(out, Edge{
			ID:     toString(r[0]),
			Kind:   EdgeKind(toString(r[1])),
			Source: toString(r[2]),
			Target: toString(r[3]),
			Meta:   decodeMeta(toString(r[4])),
		})
	}
	return out, nil
}

// CountEdgesOfType counts edges of the given kind.
func (s *KuzuStore) CountEdgesOfType(_ context.Context, kind EdgeKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query(
		"MATCH ()-[r:CodeEdge]->() WHERE r.kind = $kind RETURN count(r)",
		map[string]any{"kind": string(kind)},
	)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, nil
	}
	return toInt(rows[0][0]), nil
}

// GraphSize returns the node and edge counts.
func (s *KuzuStore) GraphSize(_ context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes, err := s.count("MATCH (n:CodeNode) RETURN count(n)")
	if err != nil {
		return 0, 0, err
	}
	edges, err := s.count("MATCH ()-[r:CodeEdge]->() RETURN count(r)")
	if err != nil {
		return 0, 0, err
	}
	return nodes, edges, nil
}

// Freeze makes the store read-only.
func (s *KuzuStore) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (s *KuzuStore) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// ---------- Internal helpers ----------

// nodeExists reports whether a CodeNode with the given id is stored.
// Callers hold s.mu.
func (s *KuzuStore) nodeExists(id string) (bool, error) {
	rows, err := s.query(
		"MATCH (n:CodeNode {id: $id}) RETURN n.id",
		map[string]any{"id": id},
	)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *KuzuStore) queryNodes(cypher string, params map[string]any) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query(cypher, params)
	if err != nil {
		return nil, err
	}
	out := make([]Node, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToNode(r))
	}
	return out, nil
}

func (s *KuzuStore) count(cypher string) (int, error) {
	rows, err := s.query(cypher, nil)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, nil
	}
	return toInt(rows[0][0]), nil
}

// exec runs a parameterized Cypher statement that produces no result rows.
func (s *KuzuStore) exec(cypher string, params map[string]any) error {
	if s.conn == nil {
		return ErrClosed
	}
	stmt, err := s.conn.Prepare(cypher)
	if err != nil {
		return fmt.Errorf("kuzu: prepare: %w", err)
	}
	defer stmt.Close()

	res, err := s.conn.Execute(stmt, params)
	if err != nil {
		return fmt.Errorf("kuzu: execute: %w", err)
	}
	res.Close()
	return nil
}

// query runs a parameterized Cypher statement and collects all result rows.
// Each row is a []any slice with values in column order.
// Callers hold s.mu; a closed store yields ErrClosed.
func (s *KuzuStore) query(cypher string, params map[string]any) ([][]any, error) {
	if s.conn == nil {
		return nil, ErrClosed
	}
	var res *kuzu.QueryResult
	var err error

	if len(params) == 0 {
		res, err = s.conn.Query(cypher)
	} else {
		var stmt *kuzu.PreparedStatement
		stmt, err = s.conn.Prepare(cypher)
		if err != nil {
			return nil, fmt.Errorf("kuzu: prepare: %w", err)
		}
		defer stmt.Close()
		res, err = s.conn.Execute(stmt, params)
	}
	if err != nil {
		return nil, fmt.Errorf("kuzu: query: %w", err)
	}
	defer res.Close()

	var rows [][]any
	for res.HasNext() {
		tuple, err := res.Next()
		if err != nil {
			return nil, fmt.Errorf("kuzu: next: %w", err)
		}
		vals, err := tuple.GetAsSlice()
		if err != nil {
			return nil, fmt.Errorf("kuzu: row values: %w", err)
		}
		rows = append(rows, vals)
	}
	return rows, nil
}

// rowToNode converts a 7-column result row into a Node.
// Column order: id, kind, name, file, start_line, end_line, meta.
func rowToNode(r []any) Node {
	return Node{
		ID:        toString(r[0]),
		Kind:      NodeKind(toString(r[1])),
		Name:      toString(r[2]),
		File:      toString(r[3]),
		StartLine: toInt(r[4]),
		EndLine:   toInt(r[5]),
		Meta:      decodeMeta(toString(r[6])),
	}
}

// Metadata maps are stored as JSON text; an empty map is stored as "".
func encodeMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("kuzu: encode meta: %w", err)
	}
	return string(data), nil
}

func decodeMeta(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// ---------- Type coercion helpers ----------
// KuzuDB returns typed Go values (int64, float64, bool, string).

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case int32:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
