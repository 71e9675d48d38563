package mcptools

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/orchestrator"
)

// fixtureAbsPath returns the absolute path to a test fixture directory.
// Tests run from internal/mcptools/.
func fixtureAbsPath(t *testing.T, name string) string {
	t.Helper()
	abs, err := filepath.Abs(filepath.Join("..", "..", "testdata", "fixtures", name))
	require.NoError(t, err)
	return abs
}

// builtService returns a service holding a graph of the react fixture.
func builtService(t *testing.T) (*CodeGraphService, BuildGraphOutput) {
	t.Helper()
	svc := NewCodeGraphService(orchestrator.Options{Workers: 2})
	t.Cleanup(func() { svc.Close() })
	_, out, err := svc.BuildGraph(context.Background(), nil, BuildGraphInput{
		RepoPath: fixtureAbsPath(t, "react_app"),
		Language: "react",
	})
	require.NoError(t, err)
	return svc, out
}

func TestBuildGraph(t *testing.T) {
	_, out := builtService(t)

	assert.Equal(t, "react", out.Report.Language)
	assert.NotEmpty(t, out.Report.BuildID)
	assert.Greater(t, out.Report.Files, 0)
	assert.Equal(t, 1, out.Summary.NodesByKind[graph.NodeLanguage])
	assert.Equal(t, 2, out.Summary.NodesByKind[graph.NodePage])
	assert.Equal(t, 3, out.Summary.NodesByKind[graph.NodeRequest])
	assert.Empty(t, out.Skipped)
}

func TestBuildGraph_Errors(t *testing.T) {
	svc := NewCodeGraphService(orchestrator.Options{})
	ctx := context.Background()

	tests := []struct {
		name  string
		input BuildGraphInput
	}{
		{name: "missing repo path", input: BuildGraphInput{Language: "go"}},
		{name: "missing directory", input: BuildGraphInput{RepoPath: filepath.Join(t.TempDir(), "nope"), Language: "go"}},
		{name: "missing language", input: BuildGraphInput{RepoPath: t.TempDir()}},
		{name: "unknown backend", input: BuildGraphInput{RepoPath: t.TempDir(), Language: "go", Backend: "sqlite"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.BuildGraph(ctx, nil, tc.input)
			assert.Error(t, err)
		})
	}
}

func TestBuildGraph_ReplacesPreviousGraph(t *testing.T) {
	svc, first := builtService(t)
	_, second, err := svc.BuildGraph(context.Background(), nil, BuildGraphInput{
		RepoPath: fixtureAbsPath(t, "go_project"),
		Language: "go",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.Report.BuildID, second.Report.BuildID)

	_, pages, err := svc.FindNodes(context.Background(), nil, FindNodesInput{Kind: "Page"})
	require.NoError(t, err)
	assert.Zero(t, pages.Total, "go fixture has no pages")
}

func TestQueriesBeforeBuild(t *testing.T) {
	svc := NewCodeGraphService(orchestrator.Options{})
	ctx := context.Background()

	_, _, err := svc.FindNodes(ctx, nil, FindNodesInput{Kind: "File"})
	assert.ErrorIs(t, err, ErrNoGraph)
	_, _, err = svc.GraphSize(ctx, nil, GraphSizeInput{})
	assert.ErrorIs(t, err, ErrNoGraph)
	_, _, err = svc.CountEdges(ctx, nil, CountEdgesInput{Kind: "Calls"})
	assert.ErrorIs(t, err, ErrNoGraph)
	_, _, err = svc.ExportGraph(ctx, nil, ExportGraphInput{})
	assert.ErrorIs(t, err, ErrNoGraph)
	_, _, err = svc.QuerySymbols(ctx, nil, QuerySymbolsInput{Query: "x"})
	assert.ErrorIs(t, err, ErrNoGraph)
	_, _, err = svc.GetDependencies(ctx, nil, GetDependenciesInput{NodeID: "File:a.go:a.go"})
	assert.ErrorIs(t, err, ErrNoGraph)
	_, _, err = svc.AssessImpact(ctx, nil, AssessImpactInput{ChangedFiles: []string{"a.go"}})
	assert.ErrorIs(t, err, ErrNoGraph)
}

func TestFindNodes(t *testing.T) {
	svc, _ := builtService(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		input     FindNodesInput
		wantTotal int
		wantLen   int
		wantErr   bool
	}{
		{name: "by kind", input: FindNodesInput{Kind: "Page"}, wantTotal: 2, wantLen: 2},
		{name: "kind is case insensitive", input: FindNodesInput{Kind: "request"}, wantTotal: 3, wantLen: 3},
		{name: "by name", input: FindNodesInput{Kind: "Page", Name: "/"}, wantTotal: 1, wantLen: 1},
		{name: "limit", input: FindNodesInput{Kind: "Request", Limit: 1}, wantTotal: 3, wantLen: 1},
		{name: "no match", input: FindNodesInput{Kind: "Function", Name: "doesNotExist"}},
		{name: "unknown kind", input: FindNodesInput{Kind: "Widget"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, out, err := svc.FindNodes(ctx, nil, tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantTotal, out.Total)
			assert.Len(t, out.Nodes, tc.wantLen)
			assert.NotNil(t, out.Nodes)
		})
	}
}

func TestGraphSizeAndCountEdges(t *testing.T) {
	svc, built := builtService(t)
	ctx := context.Background()

	_, size, err := svc.GraphSize(ctx, nil, GraphSizeInput{})
	require.NoError(t, err)
	assert.Equal(t, built.Summary.Nodes, size.Nodes)
	assert.Equal(t, built.Summary.Edges, size.Edges)

	_, calls, err := svc.CountEdges(ctx, nil, CountEdgesInput{Kind: "calls"})
	require.NoError(t, err)
	assert.Equal(t, "Calls", calls.Kind)
	assert.Equal(t, built.Summary.EdgesByKind[graph.EdgeCalls], calls.Count)

	_, _, err = svc.CountEdges(ctx, nil, CountEdgesInput{Kind: "Likes"})
	assert.Error(t, err)
}

func TestExportGraph(t *testing.T) {
	svc, _ := builtService(t)
	ctx := context.Background()

	_, js, err := svc.ExportGraph(ctx, nil, ExportGraphInput{})
	require.NoError(t, err)
	assert.Equal(t, "json", js.Format)
	assert.True(t, strings.HasPrefix(js.Document, "{"))

	_, mm, err := svc.ExportGraph(ctx, nil, ExportGraphInput{Format: "Mermaid"})
	require.NoError(t, err)
	assert.Equal(t, "mermaid", mm.Format)
	assert.True(t, strings.HasPrefix(mm.Document, "graph TD"))

	_, _, err = svc.ExportGraph(ctx, nil, ExportGraphInput{Format: "dot"})
	assert.Error(t, err)
}

func TestQuerySymbols(t *testing.T) {
	svc, _ := builtService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		input   QuerySymbolsInput
		want    []string
		wantErr bool
	}{
		{name: "substring any case", input: QuerySymbolsInput{Query: "PERSON", Kind: "Function"}, want: []string{"NewPerson", "deletePerson"}},
		{name: "data models", input: QuerySymbolsInput{Query: "pers", Kind: "datamodel"}, want: []string{"Person"}},
		{name: "missing query", input: QuerySymbolsInput{}, wantErr: true},
		{name: "unknown kind", input: QuerySymbolsInput{Query: "a", Kind: "Widget"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, out, err := svc.QuerySymbols(ctx, nil, tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			var names []string
			for _, n := range out.Symbols {
				names = append(names, n.Name)
			}
			assert.Subset(t, names, tc.want)
			assert.Equal(t, len(out.Symbols), out.Total)
		})
	}

	_, limited, err := svc.QuerySymbols(ctx, nil, QuerySymbolsInput{Query: "e", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited.Symbols, 1)
	assert.Greater(t, limited.Total, 1)
}

func TestGetDependencies(t *testing.T) {
	svc, _ := builtService(t)
	ctx := context.Background()
	fileID := func(p string) string { return graph.NodeID(graph.NodeFile, p, filepath.Base(p), 0) }

	_, out, err := svc.GetDependencies(ctx, nil, GetDependenciesInput{NodeID: fileID("src/api.ts")})
	require.NoError(t, err)
	reached := map[string]int{}
	for _, c := range out.Chains {
		reached[c.Nodes[len(c.Nodes)-1]] = c.Depth
	}
	assert.Equal(t, 1, reached[fileID("src/components/People.tsx")])
	assert.Equal(t, 1, reached[fileID("src/components/NewPerson.tsx")])
	assert.Equal(t, 2, reached[fileID("src/App.tsx")])
	assert.Equal(t, 3, reached[fileID("src/index.tsx")])

	_, shallow, err := svc.GetDependencies(ctx, nil, GetDependenciesInput{NodeID: fileID("src/api.ts"), MaxDepth: 1})
	require.NoError(t, err)
	for _, c := range shallow.Chains {
		assert.Equal(t, 1, c.Depth)
	}

	_, up, err := svc.GetDependencies(ctx, nil, GetDependenciesInput{NodeID: fileID("src/index.tsx"), Direction: "Upstream"})
	require.NoError(t, err)
	assert.NotEmpty(t, up.Chains)

	for _, input := range []GetDependenciesInput{
		{},
		{NodeID: fileID("src/api.ts"), Direction: "sideways"},
		{NodeID: "File:nowhere.ts:nowhere.ts"},
	} {
		_, _, err := svc.GetDependencies(ctx, nil, input)
		assert.Error(t, err)
	}
	_, _, err = svc.GetDependencies(ctx, nil, GetDependenciesInput{NodeID: "File:nowhere.ts:nowhere.ts"})
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestAssessImpact(t *testing.T) {
	svc, _ := builtService(t)
	ctx := context.Background()

	_, out, err := svc.AssessImpact(ctx, nil, AssessImpactInput{ChangedFiles: []string{"src/types.ts", "src/gone.ts"}})
	require.NoError(t, err)
	impact := out.Impact
	assert.Equal(t, []string{"src/types.ts"}, impact.Changed)
	assert.Equal(t, []string{"src/gone.ts"}, impact.Unknown)
	assert.Subset(t, impact.DirectlyAffected, []string{"src/components/NewPerson.tsx", "src/components/People.tsx"})
	assert.Subset(t, impact.TransitivelyAffected, []string{
		"src/App.tsx", "src/components/NewPerson.tsx", "src/components/People.tsx", "src/index.tsx",
	})
	assert.NotContains(t, impact.TransitivelyAffected, "src/types.ts")
	assert.Greater(t, impact.RiskScore, 0.0)
	assert.LessOrEqual(t, impact.RiskScore, 1.0)

	_, _, err = svc.AssessImpact(ctx, nil, AssessImpactInput{})
	assert.Error(t, err)
}

// guardedStore flags any read that reaches it after Close.
type guardedStore struct {
	graph.Store
	closed    atomic.Bool
	lateReads *atomic.Int32
}

func (g *guardedStore) FindNodesByType(ctx context.Context, kind graph.NodeKind) ([]graph.Node, error) {
	time.Sleep(time.Millisecond)
	if g.closed.Load() {
		g.lateReads.Add(1)
	}
	return g.Store.FindNodesByType(ctx, kind)
}

func (g *guardedStore) Close() error {
	g.closed.Store(true)
	return g.Store.Close()
}

func TestBuildGraph_WaitsForReadersBeforeClosing(t *testing.T) {
	var lateReads atomic.Int32
	svc := NewCodeGraphService(orchestrator.Options{
		Workers: 2,
		NewStore: func() (graph.Store, error) {
			return &guardedStore{Store: graph.NewArrayStore(), lateReads: &lateReads}, nil
		},
	})
	t.Cleanup(func() { svc.Close() })
	ctx := context.Background()
	input := BuildGraphInput{RepoPath: fixtureAbsPath(t, "react_app"), Language: "react"}
	_, _, err := svc.BuildGraph(ctx, nil, input)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, _, err := svc.FindNodes(ctx, nil, FindNodesInput{Kind: "Function"})
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 3; i++ {
		_, _, err := svc.BuildGraph(ctx, nil, input)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, lateReads.Load())
}
