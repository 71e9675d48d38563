package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/lang"
	"github.com/dusk-indust/codegraph/internal/resolve"
)

// Options holds the explicit configuration of one build. Nothing in the
// build consults environment or global state.
type Options struct {
	// Root is the repository directory.
	Root string

	// Language is a language id or alias accepted by lang.Lookup.
	Language string

	// UseLSP enables the external symbol resolution tier. Resolver is used
	// when set; otherwise a language server is started for the build.
	UseLSP   bool
	Resolver resolve.SymbolResolver

	// LSPCommand overrides the language server command line.
	LSPCommand []string

	// LSPTimeout bounds each definition query.
	LSPTimeout time.Duration

	// LSPMaxInFlight caps concurrent definition queries.
	LSPMaxInFlight int

	// LSPCacheSize and LSPRatePerSecond tune the language server client
	// (lsp.Config). Zero values select the client defaults.
	LSPCacheSize     int
	LSPRatePerSecond float64

	// Include and Exclude are glob patterns over repo-relative slash paths.
	// An empty Include matches every file.
	Include []string
	Exclude []string

	// Backend names the store strategy (graph.Backends). NewStore, when
	// set, takes precedence.
	Backend  string
	NewStore func() (graph.Store, error)

	// DBPath persists the graph on disk. Only the kuzu backend accepts it,
	// and the path must not exist yet.
	DBPath string

	// Workers bounds parallel parsing. Zero selects GOMAXPROCS.
	Workers int

	// Progress receives build events. It is called from parse workers and
	// must be safe for concurrent use.
	Progress func(ProgressEvent)
}

// settings is Options after validation.
type settings struct {
	Options
	root     string
	dbPath   string
	language lang.Language
}

func (o Options) validate() (settings, error) {
	s := settings{Options: o}
	if o.Root == "" {
		return s, fmt.Errorf("%w: root is required", ErrBadInput)
	}
	root, err := filepath.Abs(o.Root)
	if err != nil {
		return s, fmt.Errorf("%w: root %q: %v", ErrBadInput, o.Root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return s, fmt.Errorf("%w: root %q: %v", ErrBadInput, o.Root, err)
	}
	if !info.IsDir() {
		return s, fmt.Errorf("%w: root %q is not a directory", ErrBadInput, o.Root)
	}
	s.root = root

	s.language, err = lang.Lookup(o.Language)
	if err != nil {
		return s, fmt.Errorf("%w: %w", ErrBadInput, err)
	}
	if o.Workers < 0 || o.LSPMaxInFlight < 0 || o.LSPTimeout < 0 || o.LSPRatePerSecond < 0 {
		return s, fmt.Errorf("%w: negative worker, lsp or timeout setting", ErrBadInput)
	}
	if s.Workers == 0 {
		s.Workers = runtime.GOMAXPROCS(0)
	}
	if s.Backend == "" {
		s.Backend = graph.BackendArray
	}
	if o.DBPath != "" {
		if s.NewStore == nil && s.Backend != graph.BackendKuzu {
			return s, fmt.Errorf("%w: db path needs the %s backend", ErrBadInput, graph.BackendKuzu)
		}
		if s.dbPath, err = filepath.Abs(o.DBPath); err != nil {
			return s, fmt.Errorf("%w: db path %q: %v", ErrBadInput, o.DBPath, err)
		}
		if _, err := os.Stat(s.dbPath); err == nil {
			return s, fmt.Errorf("%w: db path %q already exists", ErrBadInput, o.DBPath)
		}
	}
	if _, err := compileGlobs(o.Include); err != nil {
		return s, err
	}
	if _, err := compileGlobs(o.Exclude); err != nil {
		return s, err
	}
	return s, nil
}

func (s settings) openStore() (graph.Store, error) {
	ctor := s.NewStore
	if ctor == nil {
		ctor = func() (graph.Store, error) {
			return graph.OpenWith(s.Backend, graph.OpenOptions{Path: s.dbPath})
		}
	}
	st, err := ctor()
	if errors.Is(err, graph.ErrUnknownBackend) || errors.Is(err, graph.ErrNotPersistent) {
		return nil, fmt.Errorf("%w: %w", ErrBadInput, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreInit, err)
	}
	return st, nil
}
