package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/dusk-indust/codegraph/internal/lang"
	"github.com/dusk-indust/codegraph/internal/resolve"
)

// Defaults for Config.
const (
	DefaultCacheSize     = 4096
	DefaultRatePerSecond = 200
	shutdownGrace        = 2 * time.Second
)

// Config describes the language server to launch.
type Config struct {
	Language string   // language id, used for logging and default commands
	Command  string   // executable; empty selects DefaultCommand
	Args     []string // arguments; used only with an explicit Command
	Root     string   // repository root

	CacheSize     int     // LRU entries for definition answers; <0 disables
	RatePerSecond float64 // request pacing; <=0 selects the default
}

// DefaultCommand returns the conventional server command line for a
// language family.
func DefaultCommand(f lang.Family) []string {
	switch f {
	case lang.FamilyJS:
		return []string{"typescript-language-server", "--stdio"}
	case lang.FamilyGo:
		return []string{"gopls"}
	case lang.FamilyPython:
		return []string{"pyright-langserver", "--stdio"}
	case lang.FamilyRust:
		return []string{"rust-analyzer"}
	case lang.FamilyKotlin:
		return []string{"kotlin-language-server"}
	case lang.FamilySwift:
		return []string{"sourcekit-lsp"}
	}
	return nil
}

type cacheKey struct {
	file   string
	line   int
	column int
	name   string
}

type cached struct {
	res resolve.DefinitionResult
	ok  bool
}

// Client answers definition queries through a language server. It
// implements resolve.SymbolResolver and is safe for concurrent use.
type Client struct {
	conn     *Conn
	root     string
	language string
	limiter  *rate.Limiter
	cache    *lru.Cache[cacheKey, cached]
	canDef   bool

	mu     sync.Mutex
	opened map[string]*openFile // files sent, or being sent, with didOpen

	cmd   *exec.Cmd
	stdin io.Closer
}

var _ resolve.SymbolResolver = (*Client)(nil)

// Start launches the configured server process and performs the
// initialize handshake.
func Start(ctx context.Context, cfg Config) (*Client, error) {
	argv := []string{cfg.Command}
	argv = append(argv, cfg.Args...)
	if cfg.Command == "" {
		l, err := lang.Lookup(cfg.Language)
		if err != nil {
			return nil, fmt.Errorf("lsp: %w", err)
		}
		argv = DefaultCommand(l.Family)
	}
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("%w: no command for %q", ErrServerNotInstalled, cfg.Language)
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrServerNotInstalled, argv[0])
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("lsp: resolve root: %w", err)
	}

	cmd := exec.Command(bin, argv[1:]...)
	cmd.Dir = root
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("lsp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("lsp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("lsp: start %s: %w", bin, err)
	}
	slog.Info("lsp.start",
		slog.String("language", cfg.Language),
		slog.String("command", bin),
		slog.Int("pid", cmd.Process.Pid),
	)
	recordSpawn(ctx, cfg.Language)

	cfg.Root = root
	c, err := NewClient(ctx, NewConn(stdout, stdin), cfg)
	if err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	c.cmd = cmd
	c.stdin = stdin
	return c, nil
}

// NewClient runs the initialize handshake over an established connection.
func NewClient(ctx context.Context, conn *Conn, cfg Config) (*Client, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("lsp: resolve root: %w", err)
	}
	c := &Client{
		conn:     conn,
		root:     root,
		language: cfg.Language,
		opened:   make(map[string]*openFile),
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = DefaultRatePerSecond
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond/10)))

	size := cfg.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	if size > 0 {
		c.cache, err = lru.New[cacheKey, cached](size)
		if err != nil {
			return nil, fmt.Errorf("lsp: cache: %w", err)
		}
	}

	rootURI := PathToURI(root)
	var res initializeResult
	params := initializeParams{
		ProcessID:        os.Getpid(),
		RootURI:          rootURI,
		WorkspaceFolders: []workspaceFolder{{URI: rootURI, Name: filepath.Base(root)}},
	}
	params.Capabilities.TextDocument.Definition.LinkSupport = true
	if err := conn.Call(ctx, "initialize", params, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitializeFailed, err)
	}
	if err := conn.Notify(ctx, "initialized", struct{}{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitializeFailed, err)
	}
	c.canDef = res.hasDefinition()
	if !c.canDef {
		slog.Warn("lsp.no_definition_provider", slog.String("language", cfg.Language))
	}
	return c, nil
}

// Definition implements resolve.SymbolResolver.
func (c *Client) Definition(ctx context.Context, q resolve.DefinitionQuery) (resolve.DefinitionResult, bool, error) {
	if !c.canDef {
		return resolve.DefinitionResult{}, false, nil
	}
	ctx, span := startDefinitionSpan(ctx, c.language, q)
	defer span.End()
	start := time.Now()

	res, ok, outcome, err := c.definition(ctx, q)
	recordRequest(ctx, c.language, outcome, time.Since(start))
	setSpanOutcome(span, outcome, err)
	return res, ok, err
}

func (c *Client) definition(ctx context.Context, q resolve.DefinitionQuery) (resolve.DefinitionResult, bool, string, error) {
	lines, err := c.open(ctx, q.File)
	if err != nil {
		return resolve.DefinitionResult{}, false, outcomeError, err
	}
	pos, ok := position(lines, q)
	if !ok {
		return resolve.DefinitionResult{}, false, outcomeNotFound, nil
	}

	key := cacheKey{file: q.File, line: pos.Line, column: pos.Character, name: q.Name}
	if c.cache != nil {
		if v, hit := c.cache.Get(key); hit {
			return v.res, v.ok, outcomeCached, nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return resolve.DefinitionResult{}, false, outcomeError, fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}
	var raw json.RawMessage
	params := definitionParams{
		TextDocument: textDocumentID{URI: PathToURI(filepath.Join(c.root, filepath.FromSlash(q.File)))},
		Position:     pos,
	}
	if err := c.conn.Call(ctx, "textDocument/definition", params, &raw); err != nil {
		if noAnswer(err) {
			return resolve.DefinitionResult{}, false, outcomeNotFound, nil
		}
		return resolve.DefinitionResult{}, false, outcomeError, err
	}
	locs, err := parseLocations(raw)
	if err != nil {
		return resolve.DefinitionResult{}, false, outcomeError, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	var out cached
	for _, loc := range locs {
		if rel, ok := c.relative(loc.URI); ok {
			out = cached{res: resolve.DefinitionResult{File: rel, Line: loc.Range.Start.Line + 1}, ok: true}
			break
		}
	}
	if c.cache != nil {
		c.cache.Add(key, out)
	}
	if !out.ok {
		return out.res, false, outcomeNotFound, nil
	}
	return out.res, true, outcomeFound, nil
}

// openFile is one didOpen in flight or done. ready closes when lines or
// err is set.
type openFile struct {
	ready chan struct{}
	lines []string
	err   error
}

// open sends didOpen once per file and returns the file's lines. The lock
// covers only the map; the read and the notification run outside it so a
// slow server holds up only the callers waiting on the same file.
func (c *Client) open(ctx context.Context, file string) ([]string, error) {
	c.mu.Lock()
	if f, ok := c.opened[file]; ok {
		c.mu.Unlock()
		select {
		case <-f.ready:
			return f.lines, f.err
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: didOpen %s: %v", ErrRequestTimeout, file, ctx.Err())
		}
	}
	f := &openFile{ready: make(chan struct{})}
	c.opened[file] = f
	c.mu.Unlock()

	f.lines, f.err = c.sendOpen(ctx, file)
	if f.err != nil {
		c.mu.Lock()
		delete(c.opened, file)
		c.mu.Unlock()
	}
	close(f.ready)
	return f.lines, f.err
}

func (c *Client) sendOpen(ctx context.Context, file string) ([]string, error) {
	abs := filepath.Join(c.root, filepath.FromSlash(file))
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("lsp: read %s: %w", file, err)
	}
	err = c.conn.Notify(ctx, "textDocument/didOpen", didOpenParams{TextDocument: textDocumentItem{
		URI:        PathToURI(abs),
		LanguageID: languageID(file),
		Version:    1,
		Text:       string(src),
	}})
	if err != nil {
		return nil, err
	}
	return strings.Split(string(src), "\n"), nil
}

// position places the cursor on the identifier itself: the first match of
// the name at or after the reference column.
func position(lines []string, q resolve.DefinitionQuery) (Position, bool) {
	if q.Line < 1 || q.Line > len(lines) || q.Name == "" {
		return Position{}, false
	}
	line := strings.TrimRight(lines[q.Line-1], "\r")
	col := q.Column
	if col < 0 || col > len(line) {
		col = 0
	}
	idx := strings.Index(line[col:], q.Name)
	if idx < 0 {
		if idx = strings.Index(line, q.Name); idx < 0 {
			return Position{}, false
		}
	} else {
		idx += col
	}
	return Position{Line: q.Line - 1, Character: utf16Len(line[:idx])}, true
}

func utf16Len(s string) int {
	n := 0
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		n += len(utf16.Encode([]rune{r}))
		s = s[size:]
	}
	return n
}

// relative maps a location URI to a repo-relative slash path. Locations
// outside the root (standard library, dependencies) do not count.
func (c *Client) relative(uri string) (string, bool) {
	p := URIToPath(uri)
	if p == "" {
		return "", false
	}
	rel, err := filepath.Rel(c.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Close shuts the server down. A server that ignores shutdown is killed
// after a short grace period.
func (c *Client) Close(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	err := c.conn.Call(sctx, "shutdown", nil, nil)
	_ = c.conn.Notify(sctx, "exit", nil)
	c.conn.Close()
	if errors.Is(err, ErrClosed) {
		err = nil
	}

	if c.cmd == nil {
		return err
	}
	_ = c.stdin.Close()
	waited := make(chan error, 1)
	go func() { waited <- c.cmd.Wait() }()
	select {
	case <-waited:
	case <-time.After(shutdownGrace):
		_ = c.cmd.Process.Kill()
		<-waited
	}
	slog.Info("lsp.stop", slog.String("language", c.language))
	if err != nil {
		return fmt.Errorf("lsp: shutdown: %w", err)
	}
	return nil
}
