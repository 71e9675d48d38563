package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/lang"
)

func mergeFiles(t *testing.T, files ...parsed) (*merger, graph.Store, *Report) {
	t.Helper()
	st := graph.NewArrayStore()
	require.NoError(t, st.InitSchema(context.Background()))
	report := &Report{}
	m := newMerger(st, report, "kotlin", "/repo")
	_, err := m.merge(context.Background(), files)
	require.NoError(t, err)
	return m, st, report
}

func TestMerger_OperandsPickEnclosingOwner(t *testing.T) {
	res := &lang.FileResult{
		Path: "src/Shapes.kt",
		Entities: []graph.Candidate{
			{Kind: graph.NodeClass, Name: "Shape", StartLine: 1, EndLine: 5},
			{Kind: graph.NodeFunction, Name: "area", Parent: "Shape", StartLine: 2, EndLine: 4},
			{Kind: graph.NodeClass, Name: "Shape", StartLine: 10, EndLine: 14},
			{Kind: graph.NodeFunction, Name: "area", Parent: "Shape", StartLine: 11, EndLine: 13},
			{Kind: graph.NodeFunction, Name: "orphan", Parent: "Missing", StartLine: 20, EndLine: 21},
		},
	}
	_, st, _ := mergeFiles(t, parsed{Path: res.Path, Result: res})

	edges, err := st.Edges(context.Background())
	require.NoError(t, err)
	var operands []string
	for _, e := range edges {
		if e.Kind == graph.EdgeOperand {
			operands = append(operands, e.Source+" => "+e.Target)
		}
	}
	assert.Equal(t, []string{
		"Class:src/Shapes.kt:Shape:1 => Function:src/Shapes.kt:area:2",
		"Class:src/Shapes.kt:Shape:10 => Function:src/Shapes.kt:area:11",
	}, operands)
}

func TestMerger_InvalidEntitiesAreSkipped(t *testing.T) {
	res := &lang.FileResult{
		Path: "a.kt",
		Entities: []graph.Candidate{
			{Kind: graph.NodeFunction, Name: "ok", StartLine: 1},
			{Kind: graph.NodeFunction, Name: "", StartLine: 2},
			{Kind: graph.NodeLibrary, Name: "lib"}, // no coordinate
		},
	}
	m, st, report := mergeFiles(t, parsed{Path: res.Path, Result: res})

	assert.Equal(t, 2, report.Invalid)
	require.Len(t, m.Entities(), 1)
	assert.Equal(t, "ok", m.Entities()[0].Name)
	fns, err := st.FindNodesByType(context.Background(), graph.NodeFunction)
	require.NoError(t, err)
	assert.Len(t, fns, 1)
}

func TestMerger_SkipsFailedFiles(t *testing.T) {
	good := &lang.FileResult{Path: "a/b/good.kt", Module: "com.example"}
	_, st, _ := mergeFiles(t,
		parsed{Path: "a/b/good.kt", Result: good},
		parsed{Path: "a/c/bad.kt", Err: lang.ErrSyntax},
	)
	ctx := context.Background()
	files, err := st.FindNodesByType(ctx, graph.NodeFile)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a/b/good.kt", files[0].File)

	dirs, err := st.FindNodesByType(ctx, graph.NodeDirectory)
	require.NoError(t, err)
	assert.Len(t, dirs, 2, "a and a/b only")
}

func TestMerger_ModulesAndLanguage(t *testing.T) {
	one := &lang.FileResult{Path: "x/One.kt", Module: "com.example"}
	two := &lang.FileResult{Path: "y/Two.kt", Module: "com.example"}
	m, st, _ := mergeFiles(t, parsed{Path: one.Path, Result: one}, parsed{Path: two.Path, Result: two})

	assert.Equal(t, map[string][]string{"com.example": {"x/One.kt", "y/Two.kt"}}, m.Modules())
	langs, err := st.FindNodesByType(context.Background(), graph.NodeLanguage)
	require.NoError(t, err)
	require.Len(t, langs, 1)
	assert.Equal(t, "kotlin", langs[0].Name)
	assert.Equal(t, "/repo", langs[0].MetaValue(graph.MetaRoot))
}

func TestImportCandidate(t *testing.T) {
	c := importCandidate("src/App.tsx", []lang.Reference{
		{Kind: lang.RefImport, Name: "React", Line: 1, Text: `import React from "react";`},
		{Kind: lang.RefImport, Name: "Route", Line: 2, Text: `import { Route, Routes } from "react-router-dom";`},
		{Kind: lang.RefImport, Name: "Routes", Line: 2, Text: `import { Route, Routes } from "react-router-dom";`},
		{Kind: lang.RefImport, Name: "People", Line: 3, Text: `import People from "./People";`},
	})
	n, err := graph.NewNode(c)
	require.NoError(t, err)
	assert.Equal(t, graph.NodeImport, n.Kind)
	assert.Equal(t, "App.tsx", n.Name)
	assert.Equal(t, 1, n.StartLine)
	assert.Equal(t, 3, n.EndLine)
	assert.Equal(t, "import React from \"react\";\n"+
		"import { Route, Routes } from \"react-router-dom\";\n"+
		"import People from \"./People\";", n.MetaValue(graph.MetaSource))
}
