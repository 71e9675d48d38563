package lsp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/dusk-indust/codegraph/internal/lang"
	"github.com/dusk-indust/codegraph/internal/resolve"
)

const mainGo = `package svc

func run() {
	repo.Find(1)
	fmt.Println("x")
	helper()
}
`

// definitionServer answers initialize and definition requests. locate maps
// the requested position to a result.
type definitionServer struct {
	mu        sync.Mutex
	positions []Position
	caps      map[string]any
	locate    func(p Position) any
}

func (d *definitionServer) handle(method string, params json.RawMessage) (any, bool) {
	switch method {
	case "initialize":
		caps := d.caps
		if caps == nil {
			caps = map[string]any{"definitionProvider": true}
		}
		return map[string]any{"capabilities": caps}, true
	case "textDocument/definition":
		var p definitionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return &ResponseError{Code: -32602, Message: err.Error()}, true
		}
		d.mu.Lock()
		d.positions = append(d.positions, p.Position)
		d.mu.Unlock()
		return d.locate(p.Position), true
	}
	return nil, true
}

func newTestClient(t *testing.T, d *definitionServer) (*Client, *fakeServer, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "svc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "svc", "main.go"), []byte(mainGo), 0o644))

	conn, f := newFake(t, d.handle)
	c, err := NewClient(context.Background(), conn, Config{Language: "go", Root: root})
	require.NoError(t, err)
	return c, f, root
}

func query(name string, line, column int) resolve.DefinitionQuery {
	return resolve.DefinitionQuery{Language: "go", File: "svc/main.go", Line: line, Column: column, Name: name}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestClient_Definition(t *testing.T) {
	var root string
	d := &definitionServer{locate: func(Position) any {
		return []Location{{
			URI:   PathToURI(filepath.Join(root, "svc", "repo.go")),
			Range: Range{Start: Position{Line: 9, Character: 5}},
		}}
	}}
	c, f, r := newTestClient(t, d)
	root = r

	res, ok, err := c.Definition(context.Background(), query("Find", 4, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, resolve.DefinitionResult{File: "svc/repo.go", Line: 10}, res)
	require.Len(t, d.positions, 1)
	assert.Equal(t, Position{Line: 3, Character: 6}, d.positions[0], "cursor sits on the identifier")

	// Same query again is served from the cache.
	res2, ok, err := c.Definition(context.Background(), query("Find", 4, 1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, res, res2)
	assert.Len(t, d.positions, 1)

	assert.Equal(t, 1, f.count("textDocument/didOpen"), "each file is opened once")
	assert.Equal(t, 1, f.count("initialized"))
}

func TestClient_LocationOutsideRoot(t *testing.T) {
	d := &definitionServer{locate: func(Position) any {
		return Location{URI: "file:///usr/local/go/src/fmt/print.go", Range: Range{Start: Position{Line: 272}}}
	}}
	c, _, _ := newTestClient(t, d)

	_, ok, err := c.Definition(context.Background(), query("Println", 5, 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_NullAndLinks(t *testing.T) {
	var root string
	d := &definitionServer{locate: func(p Position) any {
		if p.Line == 4 {
			return nil
		}
		return []map[string]any{{
			"targetUri":            PathToURI(filepath.Join(root, "svc", "helper.go")),
			"targetRange":          Range{Start: Position{Line: 1}},
			"targetSelectionRange": Range{Start: Position{Line: 2}},
		}}
	}}
	c, _, r := newTestClient(t, d)
	root = r

	res, ok, err := c.Definition(context.Background(), query("helper", 6, 0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, resolve.DefinitionResult{File: "svc/helper.go", Line: 3}, res)

	_, ok, err = c.Definition(context.Background(), query("Println", 5, 0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_NameNotOnLine(t *testing.T) {
	d := &definitionServer{locate: func(Position) any { return nil }}
	c, _, _ := newTestClient(t, d)

	_, ok, err := c.Definition(context.Background(), query("Missing", 4, 0))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Definition(context.Background(), query("Find", 99, 0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, d.positions, "no request without a position")
}

func TestClient_MethodNotFoundIsNoAnswer(t *testing.T) {
	d := &definitionServer{locate: func(Position) any {
		return &ResponseError{Code: codeMethodNotFound, Message: "unsupported"}
	}}
	c, _, _ := newTestClient(t, d)
	_, ok, err := c.Definition(context.Background(), query("Find", 4, 0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_InternalErrorPropagates(t *testing.T) {
	d := &definitionServer{locate: func(Position) any {
		return &ResponseError{Code: -32603, Message: "crashed"}
	}}
	c, _, _ := newTestClient(t, d)
	_, _, err := c.Definition(context.Background(), query("Find", 4, 0))
	var re *ResponseError
	assert.ErrorAs(t, err, &re)
}

func TestClient_NoDefinitionProvider(t *testing.T) {
	d := &definitionServer{caps: map[string]any{"hoverProvider": true}, locate: func(Position) any { return nil }}
	c, f, _ := newTestClient(t, d)

	_, ok, err := c.Definition(context.Background(), query("Find", 4, 0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, f.count("textDocument/didOpen"))
}

func TestClient_MissingFile(t *testing.T) {
	d := &definitionServer{locate: func(Position) any { return nil }}
	c, _, _ := newTestClient(t, d)
	q := query("Find", 1, 0)
	q.File = "svc/gone.go"
	_, _, err := c.Definition(context.Background(), q)
	assert.Error(t, err)
}

func TestClient_Close(t *testing.T) {
	d := &definitionServer{locate: func(Position) any { return nil }}
	c, f, _ := newTestClient(t, d)
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, 1, f.count("shutdown"))
	assert.ErrorIs(t, c.conn.Call(context.Background(), "x", nil, nil), ErrClosed)
}

func TestStart_NotInstalled(t *testing.T) {
	_, err := Start(context.Background(), Config{Language: "go", Command: "definitely-not-a-language-server", Root: t.TempDir()})
	assert.ErrorIs(t, err, ErrServerNotInstalled)

	_, err = Start(context.Background(), Config{Language: "cobol", Root: t.TempDir()})
	assert.ErrorIs(t, err, lang.ErrUnsupportedLanguage)
}

func TestPosition_UTF16(t *testing.T) {
	lines := []string{`x := "😀".Find()`}
	pos, ok := position(lines, resolve.DefinitionQuery{Line: 1, Name: "Find"})
	require.True(t, ok)
	// 6 ASCII bytes, one surrogate pair, then `".`
	assert.Equal(t, Position{Line: 0, Character: 10}, pos)
}

func TestParseLocations(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []Location
	}{
		{"null", `null`, nil},
		{"single", `{"uri":"file:///a.go","range":{"start":{"line":1,"character":0},"end":{"line":1,"character":3}}}`,
			[]Location{{URI: "file:///a.go", Range: Range{Start: Position{Line: 1}, End: Position{Line: 1, Character: 3}}}}},
		{"empty array", `[]`, []Location{}},
		{"link", `[{"targetUri":"file:///b.go","targetRange":{"start":{"line":4,"character":0},"end":{"line":9,"character":0}},"targetSelectionRange":{"start":{"line":5,"character":5},"end":{"line":5,"character":9}}}]`,
			[]Location{{URI: "file:///b.go", Range: Range{Start: Position{Line: 5, Character: 5}, End: Position{Line: 5, Character: 9}}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseLocations(json.RawMessage(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestURIRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "dir with space", "a.go")
	assert.Equal(t, p, URIToPath(PathToURI(p)))
	assert.Empty(t, URIToPath("jdt://contents/rt.jar/java.lang/String.class"))
}

func TestDefaultCommand(t *testing.T) {
	assert.Equal(t, []string{"gopls"}, DefaultCommand(lang.FamilyGo))
	assert.Equal(t, []string{"typescript-language-server", "--stdio"}, DefaultCommand(lang.FamilyJS))
	assert.Nil(t, DefaultCommand(lang.Family("cobol")))
}

func TestClient_StalledServerDoesNotBlock(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "svc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "svc", "main.go"), []byte(mainGo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "svc", "other.go"), []byte(mainGo), 0o644))

	conn, _ := stalledConn(t)
	c := &Client{
		conn:     conn,
		root:     root,
		language: "go",
		limiter:  rate.NewLimiter(rate.Inf, 1),
		canDef:   true,
		opened:   make(map[string]*openFile),
	}

	var wg sync.WaitGroup
	start := time.Now()
	for _, file := range []string{"svc/main.go", "svc/main.go", "svc/other.go"} {
		wg.Add(1)
		go func(file string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			q := query("helper", 6, 0)
			q.File = file
			_, ok, err := c.Definition(ctx, q)
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrRequestTimeout)
		}(file)
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 2*time.Second)

	c.mu.Lock()
	assert.Empty(t, c.opened, "failed opens are retried later")
	c.mu.Unlock()

	closed := make(chan error, 1)
	go func() { closed <- c.Close(context.Background()) }()
	select {
	case err := <-closed:
		assert.ErrorIs(t, err, ErrRequestTimeout)
	case <-time.After(shutdownGrace + 2*time.Second):
		t.Fatal("Close blocked on a stalled server")
	}
}
