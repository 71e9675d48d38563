package mcptools

import (
	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/orchestrator"
)

// BuildGraphInput is the input schema for the build_graph tool.
type BuildGraphInput struct {
	RepoPath string   `json:"repoPath" jsonschema:"the absolute path to the repository to index"`
	Language string   `json:"language" jsonschema:"language id or alias: react, typescript, go, kotlin, swift, python, rust"`
	Include  []string `json:"include,omitempty" jsonschema:"glob patterns over repo-relative paths; empty matches every file"`
	Exclude  []string `json:"exclude,omitempty" jsonschema:"glob patterns to skip (e.g. **/*.test.ts)"`
	Backend  string   `json:"backend,omitempty" jsonschema:"graph store backend: array (default), btree or kuzu"`
	UseLSP   bool     `json:"useLsp,omitempty" jsonschema:"resolve leftover calls with a language server when one is installed"`
}

// BuildGraphOutput is the output schema for the build_graph tool.
type BuildGraphOutput struct {
	Report  orchestrator.Report `json:"report"`
	Summary graph.Summary       `json:"summary"`
	Skipped []string            `json:"skipped,omitempty"`
}

// FindNodesInput is the input schema for the find_nodes tool.
type FindNodesInput struct {
	Kind  string `json:"kind" jsonschema:"node kind: Repository, Language, Directory, File, Library, Import, Class, Function, DataModel, Request, Page"`
	Name  string `json:"name,omitempty" jsonschema:"exact node name; empty returns every node of the kind"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results (default: 50)"`
}

// FindNodesOutput is the output schema for the find_nodes tool.
type FindNodesOutput struct {
	Nodes []graph.Node `json:"nodes"`
	Total int          `json:"total"`
}

// GraphSizeInput is the input schema for the graph_size tool.
type GraphSizeInput struct{}

// GraphSizeOutput is the output schema for the graph_size tool.
type GraphSizeOutput struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

// CountEdgesInput is the input schema for the count_edges tool.
type CountEdgesInput struct {
	Kind string `json:"kind" jsonschema:"edge kind: Contains, Imports, Calls, Renders, Handler, Operand, Uses"`
}

// CountEdgesOutput is the output schema for the count_edges tool.
type CountEdgesOutput struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// ExportGraphInput is the input schema for the export_graph tool.
type ExportGraphInput struct {
	Format string `json:"format,omitempty" jsonschema:"json (default) or mermaid"`
}

// ExportGraphOutput is the output schema for the export_graph tool.
type ExportGraphOutput struct {
	Format   string `json:"format"`
	Document string `json:"document"`
}

// QuerySymbolsInput is the input schema for the query_symbols tool.
type QuerySymbolsInput struct {
	Query string `json:"query" jsonschema:"case-insensitive substring of the symbol name"`
	Kind  string `json:"kind,omitempty" jsonschema:"restrict to one kind: Class, Function, DataModel, Request or Page"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results (default: 20)"`
}

// QuerySymbolsOutput is the output schema for the query_symbols tool.
type QuerySymbolsOutput struct {
	Symbols []graph.Node `json:"symbols"`
	Total   int          `json:"total"`
}

// GetDependenciesInput is the input schema for the get_dependencies tool.
type GetDependenciesInput struct {
	NodeID    string `json:"nodeId" jsonschema:"node identity, e.g. File:src/App.tsx:App.tsx or Function:src/api.ts:load:4"`
	Direction string `json:"direction,omitempty" jsonschema:"upstream (what it depends on) or downstream (what depends on it). Default: downstream"`
	MaxDepth  int    `json:"maxDepth,omitempty" jsonschema:"maximum traversal depth (default: 5)"`
}

// GetDependenciesOutput is the output schema for the get_dependencies tool.
type GetDependenciesOutput struct {
	Chains []graph.DependencyChain `json:"chains"`
}

// AssessImpactInput is the input schema for the assess_impact tool.
type AssessImpactInput struct {
	ChangedFiles []string `json:"changedFiles" jsonschema:"repo-relative paths of the files that will be modified"`
}

// AssessImpactOutput is the output schema for the assess_impact tool.
type AssessImpactOutput struct {
	Impact graph.ImpactResult `json:"impact"`
}
