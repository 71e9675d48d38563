package export

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dusk-indust/codegraph/internal/graph"
)

// structural kinds are left out of diagrams; they would drown the
// relationships between code entities.
var structural = map[graph.NodeKind]bool{
	graph.NodeRepository: true,
	graph.NodeLanguage:   true,
	graph.NodeDirectory:  true,
	graph.NodeImport:     true,
}

// arrows maps each rendered edge kind to its Mermaid arrow.
var arrows = map[graph.EdgeKind]string{
	graph.EdgeImports: "-.->",
	graph.EdgeCalls:   "-->",
	graph.EdgeRenders: "==>",
	graph.EdgeHandler: "-->|handler|",
	graph.EdgeOperand: "---",
	graph.EdgeUses:    "-.->|uses|",
}

// GenerateMermaid produces a Mermaid graph TD diagram from a graph store.
// Entities are grouped into one subgraph per source file; every edge kind
// except Contains becomes an arrow.
func GenerateMermaid(ctx context.Context, store graph.Store) (string, error) {
	doc, err := Collect(ctx, store)
	if err != nil {
		return "", err
	}

	// Build node → ID mapping for Mermaid (alphanumeric only).
	nodeIDs := make(map[string]string)
	nextID := 0
	getID := func(key string) string {
		if id, ok := nodeIDs[key]; ok {
			return id
		}
		id := fmt.Sprintf("N%d", nextID)
		nextID++
		nodeIDs[key] = id
		return id
	}

	byFile := make(map[string][]graph.Node)
	var libraries []graph.Node
	rendered := make(map[string]bool)
	for _, n := range doc.Nodes {
		switch {
		case structural[n.Kind]:
			continue
		case n.Kind == graph.NodeLibrary:
			libraries = append(libraries, n)
		default:
			byFile[n.File] = append(byFile[n.File], n)
		}
		rendered[n.ID] = true
	}
	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)

	var sb strings.Builder
	sb.WriteString("graph TD\n")

	for _, f := range files {
		sb.WriteString(fmt.Sprintf("  subgraph %s[\"%.40s\"]\n", getID(f+"_file"), shortPath(f)))
		for _, n := range byFile[f] {
			sb.WriteString(fmt.Sprintf("    %s%s\n", getID(n.ID), shape(n)))
		}
		sb.WriteString("  end\n")
	}
	for _, n := range libraries {
		sb.WriteString(fmt.Sprintf("  %s%s\n", getID(n.ID), shape(n)))
	}

	for _, e := range doc.Edges {
		arrow, ok := arrows[e.Kind]
		if !ok || !rendered[e.Source] || !rendered[e.Target] {
			continue
		}
		sb.WriteString(fmt.Sprintf("  %s %s %s\n", getID(e.Source), arrow, getID(e.Target)))
	}

	return sb.String(), nil
}

// shape renders a node declaration with a kind-specific bracket style.
func shape(n graph.Node) string {
	label := escape(n.Name)
	switch n.Kind {
	case graph.NodeFile:
		label = shortPath(n.File)
		return fmt.Sprintf("[\"%s\"]", escape(label))
	case graph.NodeClass, graph.NodeDataModel:
		return fmt.Sprintf("[[\"%s\"]]", label)
	case graph.NodeRequest:
		return fmt.Sprintf("[/\"%s\"/]", label)
	case graph.NodePage:
		return fmt.Sprintf("{{\"%s\"}}", label)
	case graph.NodeLibrary:
		return fmt.Sprintf("[(\"%s\")]", label)
	}
	return fmt.Sprintf("(\"%s\")", label)
}

func escape(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}

// shortPath returns the last 2 path segments for readability.
func shortPath(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= 2 {
		return path
	}
	return strings.Join(parts[len(parts)-2:], "/")
}
