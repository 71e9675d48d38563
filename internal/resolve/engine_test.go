package resolve

import (
	"context"
	"errors"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/lang"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fileSpec struct {
	path          string
	module        string
	defaultExport string
	entities      []graph.Candidate
	refs          []lang.Reference
}

func fn(name string, start, end int) graph.Candidate {
	return graph.Candidate{Kind: graph.NodeFunction, Name: name, StartLine: start, EndLine: end}
}

func method(class, name string, start, end int) graph.Candidate {
	c := fn(name, start, end)
	c.Parent = class
	return c
}

func model(name string, start, end int) graph.Candidate {
	return graph.Candidate{Kind: graph.NodeDataModel, Name: name, StartLine: start, EndLine: end}
}

func call(name, receiver string, enclosing, line int) lang.Reference {
	return lang.Reference{Kind: lang.RefCall, Name: name, Receiver: receiver, Enclosing: enclosing, Line: line}
}

func typeRef(name string, enclosing, line int) lang.Reference {
	return lang.Reference{Kind: lang.RefType, Name: name, Enclosing: enclosing, Line: line}
}

func importRef(local, spec, imported string) lang.Reference {
	return lang.Reference{Kind: lang.RefImport, Name: local, Enclosing: -1, Line: 1, Meta: map[string]string{
		graph.MetaSource: spec, lang.MetaImported: imported,
	}}
}

func fileID(p string) string { return graph.NodeID(graph.NodeFile, p, path.Base(p), 0) }

func entityID(p string, c graph.Candidate) string {
	return graph.NodeID(c.Kind, p, c.Name, c.StartLine)
}

func toInputs(t *testing.T, specs []fileSpec) []FileInput {
	t.Helper()
	var out []FileInput
	for _, s := range specs {
		res := &lang.FileResult{Path: s.path, Module: s.module, DefaultExport: s.defaultExport, References: s.refs}
		in := FileInput{Path: s.path, FileID: fileID(s.path), Result: res}
		for _, c := range s.entities {
			c.File = s.path
			res.Entities = append(res.Entities, c)
			n, err := graph.NewNode(c)
			require.NoError(t, err)
			in.EntityIDs = append(in.EntityIDs, n.ID)
		}
		out = append(out, in)
	}
	return out
}

func newTestIndex(t *testing.T, family lang.Family, libs []graph.Node, specs ...fileSpec) *Index {
	t.Helper()
	inputs := toInputs(t, specs)
	var paths []string
	modules := map[string][]string{}
	for _, in := range inputs {
		paths = append(paths, in.Path)
		if in.Result.Module != "" {
			modules[in.Result.Module] = append(modules[in.Result.Module], in.Path)
		}
	}
	return NewIndex(family, inputs, NewImportResolver(t.TempDir(), paths, modules), NewLibraries(family, libs))
}

func resolveAll(t *testing.T, ix *Index, opts Options) *Output {
	t.Helper()
	out, err := ix.Resolve(context.Background(), opts)
	require.NoError(t, err)
	return out
}

// edge returns the edge of kind from source, or nil.
func edgeFrom(out *Output, kind graph.EdgeKind, source string) *graph.Edge {
	for i := range out.Edges {
		if out.Edges[i].Kind == kind && out.Edges[i].Source == source {
			return &out.Edges[i]
		}
	}
	return nil
}

func library(name string) graph.Node {
	n, err := graph.NewNode(graph.Candidate{
		Kind: graph.NodeLibrary, Name: name, File: "package.json",
		Meta: map[string]string{graph.MetaCoordinate: name + "@1.0.0"},
	})
	if err != nil {
		panic(err)
	}
	return n
}

// ---------------------------------------------------------------------------
// In-process tiers
// ---------------------------------------------------------------------------

func TestResolve_SameFile(t *testing.T) {
	main := fn("main", 1, 5)
	helper := fn("helper", 7, 9)
	ix := newTestIndex(t, lang.FamilyJS, nil, fileSpec{
		path:     "src/a.ts",
		entities: []graph.Candidate{main, helper},
		refs:     []lang.Reference{call("helper", "", 0, 3), call("missing", "", 0, 4)},
	})

	out := resolveAll(t, ix, Options{})
	require.Len(t, out.Edges, 1)
	e := out.Edges[0]
	assert.Equal(t, graph.EdgeCalls, e.Kind)
	assert.Equal(t, entityID("src/a.ts", main), e.Source)
	assert.Equal(t, entityID("src/a.ts", helper), e.Target)

	meta := graph.CallsMetaFrom(e)
	assert.Equal(t, graph.ConfidenceSameFile, meta.Confidence)
	assert.Equal(t, 3, meta.Line)
	assert.Equal(t, "helper", meta.CallSite)

	assert.Equal(t, 1, out.Stats.Resolved)
	assert.Equal(t, 1, out.Stats.Unresolved)
	assert.Equal(t, 1, out.Stats.ByConfidence[graph.ConfidenceSameFile])
}

func TestResolve_FileLevelCallSource(t *testing.T) {
	ix := newTestIndex(t, lang.FamilyJS, nil, fileSpec{
		path:     "index.js",
		entities: []graph.Candidate{fn("boot", 3, 6)},
		refs:     []lang.Reference{call("boot", "", -1, 1)},
	})
	out := resolveAll(t, ix, Options{})
	require.Len(t, out.Edges, 1)
	assert.Equal(t, fileID("index.js"), out.Edges[0].Source)
}

func TestResolve_TieBreakByDistance(t *testing.T) {
	first := fn("render", 1, 3)
	second := fn("render", 20, 22)
	caller := fn("caller", 24, 26)
	ix := newTestIndex(t, lang.FamilyKotlin, nil, fileSpec{
		path:     "A.kt",
		entities: []graph.Candidate{first, second, caller},
		refs:     []lang.Reference{call("render", "", 2, 25)},
	})
	out := resolveAll(t, ix, Options{})
	require.Len(t, out.Edges, 1)
	assert.Equal(t, entityID("A.kt", second), out.Edges[0].Target)
}

func TestResolve_SameModule(t *testing.T) {
	newUser := fn("newUser", 10, 12)
	create := method("UserService", "CreateUser", 5, 9)
	ix := newTestIndex(t, lang.FamilyGo, nil,
		fileSpec{path: "project/model.go", module: "project", entities: []graph.Candidate{newUser}},
		fileSpec{path: "project/service.go", module: "project", entities: []graph.Candidate{create},
			refs: []lang.Reference{call("newUser", "", 0, 6)}},
		fileSpec{path: "other/x.go", module: "other", entities: []graph.Candidate{fn("newUser", 1, 2)}},
	)
	out := resolveAll(t, ix, Options{})
	require.Len(t, out.Edges, 1)
	assert.Equal(t, entityID("project/model.go", newUser), out.Edges[0].Target)
	assert.Equal(t, graph.ConfidenceSameModule, graph.CallsMetaFrom(out.Edges[0]).Confidence)
}

func TestResolve_SameFileBeatsImport(t *testing.T) {
	local := fn("format", 10, 12)
	ix := newTestIndex(t, lang.FamilyJS, nil,
		fileSpec{path: "src/utils.ts", entities: []graph.Candidate{fn("format", 1, 3)}},
		fileSpec{path: "src/app.ts",
			entities: []graph.Candidate{fn("main", 3, 8), local},
			refs:     []lang.Reference{importRef("format", "./utils", "format"), call("format", "", 0, 4)}},
	)
	out := resolveAll(t, ix, Options{})
	calls := edgeFrom(out, graph.EdgeCalls, entityID("src/app.ts", fn("main", 3, 8)))
	require.NotNil(t, calls)
	assert.Equal(t, entityID("src/app.ts", local), calls.Target)

	imports := edgeFrom(out, graph.EdgeImports, fileID("src/app.ts"))
	require.NotNil(t, imports)
	assert.Equal(t, fileID("src/utils.ts"), imports.Target)
	assert.Equal(t, 1, out.Stats.Imports)
}

func TestResolve_Imports(t *testing.T) {
	people := fn("People", 5, 20)
	helper := fn("helper", 1, 3)
	app := fn("App", 6, 15)
	ix := newTestIndex(t, lang.FamilyJS, nil,
		fileSpec{path: "src/components/People.tsx", defaultExport: "People", entities: []graph.Candidate{helper, people}},
		fileSpec{path: "src/lib/index.ts", refs: []lang.Reference{importRef("tool", "./tool", "tool")}},
		fileSpec{path: "src/lib/tool.ts", entities: []graph.Candidate{fn("tool", 1, 2)}},
		fileSpec{path: "src/App.tsx",
			entities: []graph.Candidate{app},
			refs: []lang.Reference{
				importRef("Users", "./components/People", "default"),
				importRef("h", "./components/People", "helper"),
				importRef("tool", "./lib", "tool"),
				call("Users", "", 0, 8),
				call("h", "", 0, 9),
				call("tool", "", 0, 10),
			}},
	)
	out := resolveAll(t, ix, Options{})

	var targets []string
	for _, e := range out.Edges {
		if e.Kind == graph.EdgeCalls {
			targets = append(targets, e.Target)
			assert.Equal(t, graph.ConfidenceImport, graph.CallsMetaFrom(e).Confidence)
		}
	}
	assert.Equal(t, []string{
		entityID("src/components/People.tsx", people),
		entityID("src/components/People.tsx", helper),
		entityID("src/lib/tool.ts", fn("tool", 1, 2)),
	}, targets, "default import, renamed import, re-export")
}

func TestResolve_Library(t *testing.T) {
	react := library("react")
	dom := library("react-dom")
	app := fn("App", 3, 9)
	ix := newTestIndex(t, lang.FamilyJS, []graph.Node{react, dom}, fileSpec{
		path:     "src/index.tsx",
		entities: []graph.Candidate{app},
		refs: []lang.Reference{
			importRef("React", "react", "default"),
			importRef("ReactDOM", "react-dom/client", "default"),
			importRef("useState", "react", "useState"),
			call("useState", "", 0, 4),
			call("createRoot", "ReactDOM", 0, 5),
		},
	})
	out := resolveAll(t, ix, Options{})

	var libImports, libCalls []string
	for _, e := range out.Edges {
		switch e.Kind {
		case graph.EdgeImports:
			libImports = append(libImports, e.Target)
		case graph.EdgeCalls:
			libCalls = append(libCalls, e.Target)
			assert.Equal(t, graph.ConfidenceLibrary, graph.CallsMetaFrom(e).Confidence)
		}
	}
	assert.Equal(t, []string{react.ID, dom.ID}, libImports)
	assert.Equal(t, []string{react.ID, dom.ID}, libCalls)
	assert.Equal(t, 2, out.Stats.ByConfidence[graph.ConfidenceLibrary])
}

func TestResolve_ThisReceiver(t *testing.T) {
	saveA := method("A", "save", 2, 4)
	loadA := method("A", "load", 5, 7)
	saveB := method("B", "save", 10, 12)
	ix := newTestIndex(t, lang.FamilyJS, nil, fileSpec{
		path:     "models.ts",
		entities: []graph.Candidate{saveA, loadA, saveB},
		refs:     []lang.Reference{call("save", "this", 1, 6), call("save", "?", 1, 6), call("save", "repo", 1, 6)},
	})
	out := resolveAll(t, ix, Options{})
	require.Len(t, out.Edges, 1)
	assert.Equal(t, entityID("models.ts", saveA), out.Edges[0].Target)
	assert.Equal(t, 2, out.Stats.Unresolved, "unknown receivers need an external resolver")
}

func TestResolve_UsesEdges(t *testing.T) {
	person := model("Person", 1, 5)
	list := fn("list", 7, 9)
	ix := newTestIndex(t, lang.FamilyKotlin, nil,
		fileSpec{path: "Person.kt", module: "people", entities: []graph.Candidate{person},
			refs: []lang.Reference{typeRef("Person", 0, 2)}},
		fileSpec{path: "Api.kt", module: "people", entities: []graph.Candidate{list},
			refs: []lang.Reference{typeRef("Person", 0, 7), typeRef("Person", -1, 1), typeRef("String", 0, 7)}},
	)
	out := resolveAll(t, ix, Options{})
	require.Len(t, out.Edges, 1)
	e := out.Edges[0]
	assert.Equal(t, graph.EdgeUses, e.Kind)
	assert.Equal(t, entityID("Api.kt", list), e.Source)
	assert.Equal(t, entityID("Person.kt", person), e.Target)
}

func TestResolve_InvalidEntitiesAreSkipped(t *testing.T) {
	inputs := toInputs(t, []fileSpec{{
		path:     "a.py",
		entities: []graph.Candidate{fn("run", 1, 4), fn("helper", 5, 6)},
		refs:     []lang.Reference{call("helper", "", 0, 2), call("run", "", 1, 5)},
	}})
	inputs[0].EntityIDs[1] = "" // helper failed validation
	ix := NewIndex(lang.FamilyPython, inputs, nil, nil)
	out := resolveAll(t, ix, Options{})

	require.Len(t, out.Edges, 1)
	assert.Equal(t, fileID("a.py"), out.Edges[0].Source, "unknown enclosing entity falls back to the file")
	assert.Equal(t, 1, out.Stats.Unresolved)
}

func TestIndex_Lookup(t *testing.T) {
	people := fn("People", 3, 10)
	ix := newTestIndex(t, lang.FamilyJS, []graph.Node{library("react")},
		fileSpec{path: "src/People.tsx", defaultExport: "People", entities: []graph.Candidate{people}},
		fileSpec{path: "src/App.tsx", refs: []lang.Reference{
			importRef("People", "./People", "default"),
			importRef("React", "react", "default"),
		}},
	)
	id, ok := ix.Lookup("src/App.tsx", "People", 0, graph.NodeFunction)
	require.True(t, ok)
	assert.Equal(t, entityID("src/People.tsx", people), id)

	_, ok = ix.Lookup("src/App.tsx", "React", 0, graph.NodeFunction)
	assert.False(t, ok, "libraries are not lookup targets")
	_, ok = ix.Lookup("src/missing.tsx", "People", 0)
	assert.False(t, ok)
}

func TestResolve_Deterministic(t *testing.T) {
	specs := []fileSpec{
		{path: "b.go", module: ".", entities: []graph.Candidate{fn("B", 1, 3)}, refs: []lang.Reference{call("A", "", 0, 2)}},
		{path: "a.go", module: ".", entities: []graph.Candidate{fn("A", 1, 3)}, refs: []lang.Reference{call("B", "", 0, 2)}},
	}
	first := resolveAll(t, newTestIndex(t, lang.FamilyGo, nil, specs...), Options{})
	reversed := resolveAll(t, newTestIndex(t, lang.FamilyGo, nil, specs[1], specs[0]), Options{})
	assert.Equal(t, first.Edges, reversed.Edges)
	require.Len(t, first.Edges, 2)
	assert.Equal(t, entityID("a.go", fn("A", 1, 3)), first.Edges[0].Source, "files are visited in path order")
}

// ---------------------------------------------------------------------------
// External tier
// ---------------------------------------------------------------------------

// fakeResolver answers from a table keyed by reference name and records
// the peak number of concurrent queries.
type fakeResolver struct {
	answers  map[string]DefinitionResult
	delay    time.Duration
	block    bool
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	queries  []DefinitionQuery
}

func (f *fakeResolver) Definition(ctx context.Context, q DefinitionQuery) (DefinitionResult, bool, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return DefinitionResult{}, false, ctx.Err()
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return DefinitionResult{}, false, ctx.Err()
	}
	res, ok := f.answers[q.Name]
	return res, ok, nil
}

func externalSpecs(n int) []fileSpec {
	target := fileSpec{path: "svc/repo.kt", entities: []graph.Candidate{
		{Kind: graph.NodeClass, Name: "Repo", StartLine: 1, EndLine: 20},
		method("Repo", "find", 3, 6),
	}}
	caller := fileSpec{path: "svc/main.kt", entities: []graph.Candidate{fn("main", 1, 40)}}
	for i := 0; i < n; i++ {
		caller.refs = append(caller.refs, call("find", "repo", 0, i+2))
	}
	caller.refs = append(caller.refs, call("nowhere", "?", 0, 39))
	return []fileSpec{target, caller}
}

func TestResolve_External(t *testing.T) {
	fake := &fakeResolver{
		answers: map[string]DefinitionResult{"find": {File: "svc/repo.kt", Line: 4}},
		delay:   5 * time.Millisecond,
	}
	ix := newTestIndex(t, lang.FamilyKotlin, nil, externalSpecs(12)...)
	out := resolveAll(t, ix, Options{Language: "kotlin", External: fake, MaxInFlight: 3, Timeout: time.Second})

	require.Len(t, out.Edges, 1, "repeated queries collapse into one edge")
	e := out.Edges[0]
	assert.Equal(t, entityID("svc/repo.kt", method("Repo", "find", 3, 6)), e.Target, "innermost entity containing the definition")
	assert.Equal(t, graph.ConfidenceExternal, graph.CallsMetaFrom(e).Confidence)
	assert.Equal(t, 2, graph.CallsMetaFrom(e).Line, "first reference wins")

	assert.Equal(t, 12, out.Stats.External)
	assert.Equal(t, 1, out.Stats.Unresolved)
	assert.LessOrEqual(t, fake.peak.Load(), int32(3))
	assert.Len(t, fake.queries, 13)
	assert.Equal(t, "kotlin", fake.queries[0].Language)
}

func TestResolve_ExternalTimeoutDegrades(t *testing.T) {
	fake := &fakeResolver{block: true}
	ix := newTestIndex(t, lang.FamilyKotlin, nil, externalSpecs(2)...)
	out := resolveAll(t, ix, Options{External: fake, MaxInFlight: 2, Timeout: 10 * time.Millisecond})

	assert.Empty(t, out.Edges)
	assert.Equal(t, 3, out.Stats.Unresolved)
	assert.Equal(t, 3, out.Stats.ExternalErrs)
}

func TestResolve_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ix := newTestIndex(t, lang.FamilyKotlin, nil, externalSpecs(2)...)
	_, err := ix.Resolve(ctx, Options{External: &fakeResolver{block: true}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNopResolver(t *testing.T) {
	ix := newTestIndex(t, lang.FamilyKotlin, nil, externalSpecs(1)...)
	out := resolveAll(t, ix, Options{External: NopResolver{}})
	assert.Empty(t, out.Edges)
	assert.Equal(t, 2, out.Stats.Unresolved)
}

// ---------------------------------------------------------------------------
// Libraries
// ---------------------------------------------------------------------------

func TestLibraries_Match(t *testing.T) {
	tests := []struct {
		family lang.Family
		libs   []string
		spec   string
		want   string
	}{
		{lang.FamilyJS, []string{"react", "react-dom"}, "react-dom/client", "react-dom"},
		{lang.FamilyJS, []string{"react"}, "react-router", ""},
		{lang.FamilyJS, []string{"@mui/material"}, "@mui/material/Button", "@mui/material"},
		{lang.FamilyGo, []string{"github.com/google/uuid"}, "github.com/google/uuid", "github.com/google/uuid"},
		{lang.FamilyGo, []string{"golang.org/x/sync"}, "golang.org/x/sync/errgroup", "golang.org/x/sync"},
		{lang.FamilyPython, []string{"python-dateutil"}, "python_dateutil.parser", "python-dateutil"},
		{lang.FamilyPython, []string{"flask"}, "Flask", "flask"},
		{lang.FamilyRust, []string{"serde_json"}, "serde_json::Value", "serde_json"},
		{lang.FamilyRust, []string{"tokio-util"}, "tokio_util::codec", "tokio-util"},
		{lang.FamilyKotlin, []string{"com.squareup.retrofit2:retrofit"}, "retrofit2.http", "com.squareup.retrofit2:retrofit"},
		{lang.FamilyKotlin, []string{"org.jetbrains.kotlinx:kotlinx-coroutines-core"}, "kotlinx.coroutines", "org.jetbrains.kotlinx:kotlinx-coroutines-core"},
		{lang.FamilyKotlin, []string{"io.ktor:ktor-server-core"}, "io.ktor.server.routing", "io.ktor:ktor-server-core"},
		{lang.FamilyKotlin, []string{"junit:junit"}, "org.junit.Test", ""},
	}
	for _, tc := range tests {
		t.Run(string(tc.family)+"/"+tc.spec, func(t *testing.T) {
			var nodes []graph.Node
			for _, name := range tc.libs {
				nodes = append(nodes, library(name))
			}
			id, ok := NewLibraries(tc.family, nodes).Match(tc.spec)
			if tc.want == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, library(tc.want).ID, id)
		})
	}
}
