package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// --- Enums ---

// NodeKind classifies nodes in the code graph.
type NodeKind string

const (
	NodeRepository NodeKind = "Repository"
	NodeLanguage   NodeKind = "Language"
	NodeDirectory  NodeKind = "Directory"
	NodeFile       NodeKind = "File"
	NodeLibrary    NodeKind = "Library"
	NodeImport     NodeKind = "Import"
	NodeClass      NodeKind = "Class"
	NodeFunction   NodeKind = "Function"
	NodeDataModel  NodeKind = "DataModel"
	NodeRequest    NodeKind = "Request"
	NodePage       NodeKind = "Page"
)

// NodeKinds lists every node kind in a fixed order.
var NodeKinds = []NodeKind{
	NodeRepository, NodeLanguage, NodeDirectory, NodeFile, NodeLibrary, NodeImport,
	NodeClass, NodeFunction, NodeDataModel, NodeRequest, NodePage,
}

// Valid reports whether k is a member of the taxonomy.
func (k NodeKind) Valid() bool {
	for _, known := range NodeKinds {
		if k == known {
			return true
		}
	}
	return false
}

// spanned reports whether nodes of this kind carry a source span that
// participates in their identity.
func (k NodeKind) spanned() bool {
	switch k {
	case NodeClass, NodeFunction, NodeDataModel:
		return true
	}
	return false
}

// EdgeKind classifies relationships between nodes.
type EdgeKind string

const (
	EdgeContains EdgeKind = "Contains"
	EdgeImports  EdgeKind = "Imports"
	EdgeCalls    EdgeKind = "Calls"
	EdgeRenders  EdgeKind = "Renders"
	EdgeHandler  EdgeKind = "Handler"
	EdgeOperand  EdgeKind = "Operand" // class -> method
	EdgeUses     EdgeKind = "Uses"    // function/request/page -> data model
)

// EdgeKinds lists every edge kind in a fixed order.
var EdgeKinds = []EdgeKind{
	EdgeContains, EdgeImports, EdgeCalls, EdgeRenders, EdgeHandler, EdgeOperand, EdgeUses,
}

// Valid reports whether k is a member of the taxonomy.
func (k EdgeKind) Valid() bool {
	for _, known := range EdgeKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Well-known metadata keys.
const (
	MetaVerb       = "verb"
	MetaPath       = "path"
	MetaURL        = "url"
	MetaRoute      = "route"
	MetaRoot       = "root"
	MetaCoordinate = "coordinate"
	MetaVersion    = "version"
	MetaFields     = "fields"
	MetaExported   = "exported"
	MetaParent     = "parent"
	MetaSource     = "source"
	MetaStyle      = "style"
	MetaConfidence = "confidence"
	MetaCallSite   = "call_site"
	MetaLine       = "line"
	MetaModel      = "model"
)

// --- Models ---

// Node is one entity of the code graph.
type Node struct {
	ID        string            `json:"id"`
	Kind      NodeKind          `json:"kind"`
	Name      string            `json:"name"`
	File      string            `json:"file"`
	StartLine int               `json:"startLine,omitempty"`
	EndLine   int               `json:"endLine,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Edge is a directed, typed relation between two node identities.
type Edge struct {
	ID     string            `json:"id"`
	Kind   EdgeKind          `json:"kind"`
	Source string            `json:"source"`
	Target string            `json:"target"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// NodeID derives the identity of a node. Identities are a pure function of
// the node's kind, file, name and (for code entities) start line.
func NodeID(kind NodeKind, file, name string, startLine int) string {
	id := string(kind) + ":" + file + ":" + name
	if kind.spanned() && startLine > 0 {
		id += ":" + strconv.Itoa(startLine)
	}
	return id
}

// EdgeID derives the identity of an edge.
func EdgeID(kind EdgeKind, source, target string) string {
	return string(kind) + ":" + source + "->" + target
}

// MetaValue returns the metadata value for key, or "".
func (n Node) MetaValue(key string) string {
	if n.Meta == nil {
		return ""
	}
	return n.Meta[key]
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	n.Meta = cloneMeta(n.Meta)
	return n
}

// Clone returns a deep copy of the edge.
func (e Edge) Clone() Edge {
	e.Meta = cloneMeta(e.Meta)
	return e
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CallsMeta is the call-site metadata carried by Calls edges.
type CallsMeta struct {
	Confidence string // see Confidence* constants
	CallSite   string // call expression text
	Line       int    // 1-based line of the call site
}

// Resolution confidence values.
const (
	ConfidenceSameFile   = "same-file"
	ConfidenceSameModule = "same-module"
	ConfidenceImport     = "import"
	ConfidenceLibrary    = "library"
	ConfidenceExternal   = "external"
	ConfidenceRequest    = "request"
)

// ToMeta flattens the call metadata into an edge metadata map.
func (c CallsMeta) ToMeta() map[string]string {
	m := map[string]string{MetaConfidence: c.Confidence}
	if c.CallSite != "" {
		m[MetaCallSite] = c.CallSite
	}
	if c.Line > 0 {
		m[MetaLine] = strconv.Itoa(c.Line)
	}
	return m
}

// CallsMetaFrom reads call metadata back from an edge.
func CallsMetaFrom(e Edge) CallsMeta {
	line, _ := strconv.Atoi(e.Meta[MetaLine])
	return CallsMeta{
		Confidence: e.Meta[MetaConfidence],
		CallSite:   e.Meta[MetaCallSite],
		Line:       line,
	}
}

// Candidate is a raw, plugin-produced entity record awaiting validation.
type Candidate struct {
	Kind      NodeKind
	Name      string
	File      string
	Parent    string // enclosing class name for methods
	StartLine int
	EndLine   int
	Meta      map[string]string
}

// NewNode validates a candidate against its kind's metadata schema and
// returns the canonical node.
func NewNode(c Candidate) (Node, error) {
	n := Node{
		Kind:      c.Kind,
		Name:      strings.TrimSpace(c.Name),
		File:      c.File,
		StartLine: c.StartLine,
		EndLine:   c.EndLine,
		Meta:      cloneMeta(c.Meta),
	}
	if c.Parent != "" {
		if n.Meta == nil {
			n.Meta = map[string]string{}
		}
		n.Meta[MetaParent] = c.Parent
	}
	if err := ValidateNode(n); err != nil {
		return Node{}, err
	}
	n.ID = NodeID(n.Kind, n.File, n.Name, n.StartLine)
	return n, nil
}

// NewEdge validates and builds an edge between two node identities.
func NewEdge(kind EdgeKind, source, target string, meta map[string]string) (Edge, error) {
	e := Edge{Kind: kind, Source: source, Target: target, Meta: cloneMeta(meta)}
	if err := ValidateEdge(e); err != nil {
		return Edge{}, err
	}
	e.ID = EdgeID(kind, source, target)
	return e, nil
}

// NewCallsEdge builds a Calls edge carrying call-site metadata.
func NewCallsEdge(source, target string, meta CallsMeta) (Edge, error) {
	return NewEdge(EdgeCalls, source, target, meta.ToMeta())
}

// --- Summaries ---

// Summary holds per-kind node and edge counts for a graph.
type Summary struct {
	Nodes       int              `json:"nodes"`
	Edges       int              `json:"edges"`
	NodesByKind map[NodeKind]int `json:"nodesByKind"`
	EdgesByKind map[EdgeKind]int `json:"edgesByKind"`
}

// String renders the summary in a stable order.
func (s Summary) String() string {
	var parts []string
	for _, k := range NodeKinds {
		if c := s.NodesByKind[k]; c > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", k, c))
		}
	}
	for _, k := range EdgeKinds {
		if c := s.EdgesByKind[k]; c > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", k, c))
		}
	}
	return fmt.Sprintf("nodes=%d edges=%d [%s]", s.Nodes, s.Edges, strings.Join(parts, " "))
}

// SortNodes orders nodes by identity in place.
func SortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// SortEdges orders edges by identity in place.
func SortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
}
