package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/lang"
	"github.com/dusk-indust/codegraph/internal/lsp"
	"github.com/dusk-indust/codegraph/internal/resolve"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var fixtures = []struct {
	name     string
	language string
}{
	{"react_app", "react"},
	{"kotlin_app", "kotlin"},
	{"swift_app", "swift"},
	{"go_project", "go"},
	{"ts_monorepo", "typescript"},
}

func fixture(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}

func build(t *testing.T, opts Options) *Result {
	t.Helper()
	res, err := Build(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, res)
	t.Cleanup(func() { _ = res.Store.Close() })
	return res
}

// writeRepo lays out files under a temporary root.
func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for p, src := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(src), 0o644))
	}
	return root
}

func nodesOf(t *testing.T, s graph.Store, kind graph.NodeKind) []graph.Node {
	t.Helper()
	nodes, err := s.FindNodesByType(context.Background(), kind)
	require.NoError(t, err)
	graph.SortNodes(nodes)
	return nodes
}

func names(nodes []graph.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	sort.Strings(out)
	return out
}

// edgeNames renders edges of kind as "source name -> target name".
func edgeNames(t *testing.T, s graph.Store, kind graph.EdgeKind) []string {
	t.Helper()
	ctx := context.Background()
	edges, err := s.Edges(ctx)
	require.NoError(t, err)
	var out []string
	for _, e := range edges {
		if e.Kind != kind {
			continue
		}
		src, err := s.GetNode(ctx, e.Source)
		require.NoError(t, err)
		tgt, err := s.GetNode(ctx, e.Target)
		require.NoError(t, err)
		out = append(out, src.Name+" -> "+tgt.Name)
	}
	sort.Strings(out)
	return out
}

type snapshot struct {
	nodes []string
	edges []string
	sum   graph.Summary
}

func snap(t *testing.T, s graph.Store) snapshot {
	t.Helper()
	ctx := context.Background()
	nodes, err := s.Nodes(ctx)
	require.NoError(t, err)
	edges, err := s.Edges(ctx)
	require.NoError(t, err)
	sum, err := graph.Summarize(ctx, s)
	require.NoError(t, err)
	var out snapshot
	for _, n := range nodes {
		out.nodes = append(out.nodes, n.ID)
	}
	for _, e := range edges {
		out.edges = append(out.edges, e.ID)
	}
	sort.Strings(out.nodes)
	sort.Strings(out.edges)
	out.sum = sum
	return out
}

// fakeResolver answers every query for one name with a fixed location.
type fakeResolver struct {
	name    string
	answer  resolve.DefinitionResult
	err     error
	queries atomic.Int32
}

func (f *fakeResolver) Definition(_ context.Context, q resolve.DefinitionQuery) (resolve.DefinitionResult, bool, error) {
	f.queries.Add(1)
	if f.err != nil {
		return resolve.DefinitionResult{}, false, f.err
	}
	if q.Name != f.name {
		return resolve.DefinitionResult{}, false, nil
	}
	return f.answer, true, nil
}

// closeTracker records Close calls on the store it wraps.
type closeTracker struct {
	graph.Store
	closed  atomic.Bool
	initErr error
}

func (c *closeTracker) InitSchema(ctx context.Context) error {
	if c.initErr != nil {
		return c.initErr
	}
	return c.Store.InitSchema(ctx)
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return c.Store.Close()
}

// ---------------------------------------------------------------------------
// Fixture scenarios
// ---------------------------------------------------------------------------

func TestBuild_ReactFixture(t *testing.T) {
	res := build(t, Options{Root: fixture("react_app"), Language: "tsx"})
	s := res.Store
	ctx := context.Background()

	require.NoError(t, graph.CheckIntegrity(ctx, s))
	assert.True(t, s.Frozen())

	languages := nodesOf(t, s, graph.NodeLanguage)
	require.Len(t, languages, 1)
	assert.Equal(t, "react", languages[0].Name)
	root, _ := filepath.Abs(fixture("react_app"))
	assert.Equal(t, root, languages[0].MetaValue(graph.MetaRoot))

	pkg, err := s.FindNodesByName(ctx, graph.NodeFile, "package.json")
	require.NoError(t, err)
	assert.Len(t, pkg, 1)

	pages, err := s.FindNodesByName(ctx, graph.NodePage, "/")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "src/App.tsx", pages[0].File)
	assert.Len(t, nodesOf(t, s, graph.NodePage), 2)
	assert.Contains(t, edgeNames(t, s, graph.EdgeRenders), "/ -> People")

	assert.Equal(t, []string{"DELETE /person/:id", "GET /people", "POST /person"},
		names(nodesOf(t, s, graph.NodeRequest)))

	libs := names(nodesOf(t, s, graph.NodeLibrary))
	assert.Contains(t, libs, "react")
	assert.Contains(t, libs, "react-router-dom")

	calls, err := s.CountEdgesOfType(ctx, graph.EdgeCalls)
	require.NoError(t, err)
	assert.Positive(t, calls)
	assert.Contains(t, edgeNames(t, s, graph.EdgeImports), "App.tsx -> People.tsx")

	assert.Empty(t, res.Report.Skipped)
	assert.Equal(t, "react", res.Report.Language)
	assert.Equal(t, 3, res.Report.Patterns.Requests)
	assert.NotEmpty(t, res.Report.BuildID)
	assert.Empty(t, res.Report.External)
}

func TestBuild_KotlinFixture(t *testing.T) {
	root := fixture("kotlin_app")
	res := build(t, Options{Root: root, Language: "kotlin"})
	s := res.Store
	ctx := context.Background()

	require.NoError(t, graph.CheckIntegrity(ctx, s))
	languages := nodesOf(t, s, graph.NodeLanguage)
	require.Len(t, languages, 1)
	assert.Equal(t, "kotlin", languages[0].Name)

	gradle, err := s.FindNodesByName(ctx, graph.NodeFile, "build.gradle.kts")
	require.NoError(t, err)
	assert.Len(t, gradle, 2)

	libs := nodesOf(t, s, graph.NodeLibrary)
	require.NotEmpty(t, libs)
	for _, lib := range libs {
		assert.True(t, strings.HasSuffix(lib.File, "build.gradle.kts"), lib.ID)
		src, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(lib.File)))
		require.NoError(t, err)
		coord := lib.MetaValue(graph.MetaCoordinate)
		assert.Contains(t, string(src), `"`+coord+`"`, "library %s is a declared coordinate", lib.Name)
	}

	assert.Equal(t, []string{"DELETE /person/:id", "GET /people", "POST /person"},
		names(nodesOf(t, s, graph.NodeRequest)))
	assert.Contains(t, names(nodesOf(t, s, graph.NodeDataModel)), "Person")
	assert.NotEmpty(t, nodesOf(t, s, graph.NodeImport))
	assert.Contains(t, edgeNames(t, s, graph.EdgeUses), "GET /people -> Person")
}

func TestBuild_SwiftFixture(t *testing.T) {
	res := build(t, Options{Root: fixture("swift_app"), Language: "swift"})
	s := res.Store
	ctx := context.Background()

	require.NoError(t, graph.CheckIntegrity(ctx, s))
	languages := nodesOf(t, s, graph.NodeLanguage)
	require.Len(t, languages, 1)
	assert.Equal(t, "swift", languages[0].Name)

	assert.Len(t, nodesOf(t, s, graph.NodeFile), 8)
	assert.Len(t, nodesOf(t, s, graph.NodeImport), 7)

	classes := names(nodesOf(t, s, graph.NodeClass))
	require.Len(t, classes, 7)
	assert.Equal(t, "API", classes[0])

	functions := names(nodesOf(t, s, graph.NodeFunction))
	require.Len(t, functions, 26)
	assert.Equal(t, "application", functions[0])

	assert.Equal(t, []string{"Person"}, names(nodesOf(t, s, graph.NodeDataModel)))
	assert.Equal(t, []string{"GET /people", "POST /person"}, names(nodesOf(t, s, graph.NodeRequest)))
	uses := edgeNames(t, s, graph.EdgeUses)
	assert.Contains(t, uses, "GET /people -> Person")
	assert.Contains(t, uses, "POST /person -> Person")

	assert.Equal(t, []string{"Alamofire"}, names(nodesOf(t, s, graph.NodeLibrary)))
	assert.Contains(t, edgeNames(t, s, graph.EdgeImports), "API.swift -> Alamofire")
	assert.Contains(t, edgeNames(t, s, graph.EdgeCalls), "viewDidLoad -> loadPeople")
	assert.Empty(t, res.Report.Skipped)
}

// ---------------------------------------------------------------------------
// Graph properties
// ---------------------------------------------------------------------------

func TestBuild_BackendParity(t *testing.T) {
	for _, fx := range fixtures {
		t.Run(fx.name, func(t *testing.T) {
			var want snapshot
			for i, backend := range graph.Backends() {
				res := build(t, Options{Root: fixture(fx.name), Language: fx.language, Backend: backend})
				require.NoError(t, graph.CheckIntegrity(context.Background(), res.Store), backend)
				got := snap(t, res.Store)
				if i == 0 {
					want = got
					continue
				}
				assert.Equal(t, want.sum, got.sum, backend)
				assert.Equal(t, want.nodes, got.nodes, backend)
				assert.Equal(t, want.edges, got.edges, backend)
			}
		})
	}
}

func TestBuild_Deterministic(t *testing.T) {
	for _, fx := range fixtures {
		t.Run(fx.name, func(t *testing.T) {
			opts := Options{Root: fixture(fx.name), Language: fx.language, Workers: 4}
			first := build(t, opts)
			second := build(t, opts)

			ctx := context.Background()
			n1, err := first.Store.Nodes(ctx)
			require.NoError(t, err)
			n2, err := second.Store.Nodes(ctx)
			require.NoError(t, err)
			e1, err := first.Store.Edges(ctx)
			require.NoError(t, err)
			e2, err := second.Store.Edges(ctx)
			require.NoError(t, err)

			assert.Equal(t, n1, n2)
			assert.Equal(t, e1, e2)
			assert.NotEqual(t, first.Report.BuildID, second.Report.BuildID)
		})
	}
}

func TestBuild_Structure(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"go.mod": "module example.com/shop\n\ngo 1.22\n",
		"pkg/svc/cart.go": `package svc

type Cart struct {
	Items []string
}

func (c *Cart) Add(item string) {
	c.Items = append(c.Items, item)
}
`,
	})
	res := build(t, Options{Root: root, Language: "go"})
	s := res.Store

	assert.Equal(t, []string{"pkg", "svc"}, names(nodesOf(t, s, graph.NodeDirectory)))
	contains := edgeNames(t, s, graph.EdgeContains)
	base := filepath.Base(root)
	assert.Contains(t, contains, base+" -> go")
	assert.Contains(t, contains, "go -> pkg")
	assert.Contains(t, contains, "go -> go.mod")
	assert.Contains(t, contains, "pkg -> svc")
	assert.Contains(t, contains, "svc -> cart.go")
	assert.Contains(t, contains, "cart.go -> Cart")
	assert.Contains(t, contains, "cart.go -> Add")
	assert.Equal(t, []string{"Cart -> Add"}, edgeNames(t, s, graph.EdgeOperand))
	assert.Len(t, nodesOf(t, s, graph.NodeRepository), 1)
}

func TestBuild_SkipsBrokenFiles(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"package.json": `{"name": "broken", "dependencies": {`,
		"index.js":     "function main() { return 1; }\n",
	})
	res := build(t, Options{Root: root, Language: "javascript"})

	require.Len(t, res.Report.Skipped, 1)
	assert.Equal(t, "package.json", res.Report.Skipped[0].Path)
	assert.ErrorIs(t, &res.Report.Skipped[0], lang.ErrSyntax)
	assert.Equal(t, []string{"package.json"}, res.Report.SkippedPaths())
	assert.Equal(t, 1, res.Report.Files)
	assert.Equal(t, []string{"index.js"}, names(nodesOf(t, res.Store, graph.NodeFile)))
	assert.Equal(t, []string{"main"}, names(nodesOf(t, res.Store, graph.NodeFunction)))
}

func TestBuild_IncludeExclude(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{
			name: "everything",
			want: []string{"App.tsx", "NewPerson.tsx", "People.tsx", "api.ts", "index.tsx", "package.json", "types.ts"},
		},
		{
			name:    "include sources",
			include: []string{"src/**"},
			want:    []string{"App.tsx", "NewPerson.tsx", "People.tsx", "api.ts", "index.tsx", "types.ts"},
		},
		{
			name:    "exclude components",
			exclude: []string{"src/components/**"},
			want:    []string{"App.tsx", "api.ts", "index.tsx", "package.json", "types.ts"},
		},
		{
			name:    "include and exclude",
			include: []string{"src/*.ts"},
			exclude: []string{"**/types.ts"},
			want:    []string{"api.ts"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := build(t, Options{
				Root:     fixture("react_app"),
				Language: "react",
				Include:  tc.include,
				Exclude:  tc.exclude,
			})
			assert.Equal(t, tc.want, names(nodesOf(t, res.Store, graph.NodeFile)))
			require.NoError(t, graph.CheckIntegrity(context.Background(), res.Store))
		})
	}
}

func TestBuild_Gitignore(t *testing.T) {
	root := writeRepo(t, map[string]string{
		".gitignore":        "generated/\n*.min.js\n",
		"app.js":            "function app() {}\n",
		"vendor.min.js":     "function v() {}\n",
		"generated/out.js":  "function out() {}\n",
		"node_modules/x.js": "function x() {}\n",
	})
	res := build(t, Options{Root: root, Language: "js"})
	assert.Equal(t, []string{"app.js"}, names(nodesOf(t, res.Store, graph.NodeFile)))
}

func TestBuild_Progress(t *testing.T) {
	var mu sync.Mutex
	var events []ProgressEvent
	res := build(t, Options{
		Root:     fixture("react_app"),
		Language: "react",
		Progress: func(ev ProgressEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		},
	})

	var phases []Phase
	parsedFiles := 0
	for _, ev := range events {
		assert.Equal(t, res.Report.BuildID, ev.BuildID)
		switch {
		case ev.Item == "" && ev.Status == ProgressComplete:
			phases = append(phases, ev.Phase)
		case ev.Phase == PhaseParse && ev.Status == ProgressComplete:
			parsedFiles++
		}
	}
	assert.Equal(t, []Phase{PhaseDiscover, PhaseParse, PhaseMerge, PhaseResolve, PhasePatterns, PhaseFreeze}, phases)
	assert.Equal(t, res.Report.Files, parsedFiles)
}

// ---------------------------------------------------------------------------
// External resolution
// ---------------------------------------------------------------------------

func externalRepo(t *testing.T) string {
	return writeRepo(t, map[string]string{
		"a.js": "function main() {\n  helper();\n}\n",
		"b.js": "function helper() {\n  return 1;\n}\n",
	})
}

func TestBuild_ExternalResolver(t *testing.T) {
	root := externalRepo(t)
	without := build(t, Options{Root: root, Language: "javascript"})
	assert.Empty(t, edgeNames(t, without.Store, graph.EdgeCalls))
	assert.Equal(t, 1, without.Report.Resolution.Unresolved)

	fake := &fakeResolver{name: "helper", answer: resolve.DefinitionResult{File: "b.js", Line: 1}}
	with := build(t, Options{Root: root, Language: "javascript", UseLSP: true, Resolver: fake})
	assert.Equal(t, []string{"main -> helper"}, edgeNames(t, with.Store, graph.EdgeCalls))
	assert.Equal(t, 1, with.Report.Resolution.External)
	assert.Equal(t, "injected", with.Report.External)
	assert.EqualValues(t, 1, fake.queries.Load())

	edges, err := with.Store.Edges(context.Background())
	require.NoError(t, err)
	for _, e := range edges {
		if e.Kind == graph.EdgeCalls {
			assert.Equal(t, graph.ConfidenceExternal, graph.CallsMetaFrom(e).Confidence)
		}
	}

	// Only Calls edges may differ.
	a, b := snap(t, without.Store), snap(t, with.Store)
	assert.Equal(t, a.sum.NodesByKind, b.sum.NodesByKind)
	assert.Equal(t, a.sum.Nodes, b.sum.Nodes)
	assert.Equal(t, a.sum.Edges+1, b.sum.Edges)
}

func TestBuild_ExternalResolverTogglesOff(t *testing.T) {
	fake := &fakeResolver{name: "helper", answer: resolve.DefinitionResult{File: "b.js", Line: 1}}
	res := build(t, Options{Root: externalRepo(t), Language: "javascript", UseLSP: false, Resolver: fake})
	assert.Empty(t, edgeNames(t, res.Store, graph.EdgeCalls))
	assert.Zero(t, fake.queries.Load())
}

func TestBuild_ExternalFailuresDegrade(t *testing.T) {
	root := externalRepo(t)
	fake := &fakeResolver{err: errors.New("server crashed")}
	res := build(t, Options{Root: root, Language: "javascript", UseLSP: true, Resolver: fake})
	assert.Empty(t, edgeNames(t, res.Store, graph.EdgeCalls))
	assert.Equal(t, 1, res.Report.Resolution.ExternalErrs)
	assert.Len(t, nodesOf(t, res.Store, graph.NodeFunction), 2)
}

func TestBuild_LanguageServerUnavailable(t *testing.T) {
	root := externalRepo(t)
	res := build(t, Options{
		Root:       root,
		Language:   "javascript",
		UseLSP:     true,
		LSPCommand: []string{"codegraph-test-no-such-language-server"},
	})
	assert.Equal(t, "unavailable", res.Report.External)
	assert.Len(t, nodesOf(t, res.Store, graph.NodeFunction), 2)
	assert.Equal(t, 1, res.Report.Resolution.Unresolved)
}

func TestLanguageServerMissingIsReported(t *testing.T) {
	_, err := lsp.Start(context.Background(), lsp.Config{
		Language: "javascript",
		Command:  "codegraph-test-no-such-language-server",
		Root:     t.TempDir(),
	})
	assert.ErrorIs(t, err, lsp.ErrServerNotInstalled)
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestBuild_BadInput(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name string
		opts Options
	}{
		{"empty root", Options{Language: "go"}},
		{"missing root", Options{Root: filepath.Join(t.TempDir(), "absent"), Language: "go"}},
		{"root is a file", Options{Root: file, Language: "go"}},
		{"unsupported language", Options{Root: t.TempDir(), Language: "cobol"}},
		{"bad include", Options{Root: t.TempDir(), Language: "go", Include: []string{"["}}},
		{"bad exclude", Options{Root: t.TempDir(), Language: "go", Exclude: []string{"[z"}}},
		{"negative workers", Options{Root: t.TempDir(), Language: "go", Workers: -1}},
		{"unknown backend", Options{Root: t.TempDir(), Language: "go", Backend: "cassandra"}},
		{"db path on a memory backend", Options{Root: t.TempDir(), Language: "go", Backend: "btree", DBPath: filepath.Join(t.TempDir(), "g.kuzu")}},
		{"db path already exists", Options{Root: t.TempDir(), Language: "go", Backend: "kuzu", DBPath: t.TempDir()}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Build(context.Background(), tc.opts)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrBadInput)
			assert.NotErrorIs(t, err, ErrStoreInit)
		})
	}

	_, err := Build(context.Background(), Options{Root: t.TempDir(), Language: "cobol"})
	assert.ErrorIs(t, err, lang.ErrUnsupportedLanguage)
}

func TestBuild_StoreInitFailure(t *testing.T) {
	t.Run("constructor", func(t *testing.T) {
		res, err := Build(context.Background(), Options{
			Root:     t.TempDir(),
			Language: "go",
			NewStore: func() (graph.Store, error) { return nil, errors.New("disk full") },
		})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrStoreInit)
		assert.NotErrorIs(t, err, ErrBadInput)
	})

	t.Run("schema", func(t *testing.T) {
		tracker := &closeTracker{Store: graph.NewArrayStore(), initErr: errors.New("schema locked")}
		res, err := Build(context.Background(), Options{
			Root:     t.TempDir(),
			Language: "go",
			NewStore: func() (graph.Store, error) { return tracker, nil },
		})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrStoreInit)
		assert.True(t, tracker.closed.Load())
	})
}

func TestBuild_Cancelled(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res, err := Build(ctx, Options{Root: fixture("react_app"), Language: "react"})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrBuildCancelled)
		assert.ErrorIs(t, err, context.Canceled)
	})

	for _, at := range []Phase{PhaseParse, PhaseMerge, PhaseResolve, PhasePatterns} {
		t.Run("during "+at.String(), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tracker := &closeTracker{Store: graph.NewArrayStore()}
			res, err := Build(ctx, Options{
				Root:     fixture("react_app"),
				Language: "react",
				NewStore: func() (graph.Store, error) { return tracker, nil },
				Progress: func(ev ProgressEvent) {
					if ev.Phase == at && ev.Item == "" && ev.Status == ProgressComplete {
						cancel()
					}
				},
			})
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrBuildCancelled)
			assert.True(t, tracker.closed.Load(), "partial graph is discarded")
			assert.False(t, tracker.Frozen())
		})
	}
}
