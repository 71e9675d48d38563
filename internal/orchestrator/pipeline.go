package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/lsp"
	"github.com/dusk-indust/codegraph/internal/patterns"
	"github.com/dusk-indust/codegraph/internal/resolve"
)

// lspCloseTimeout bounds the language server shutdown after a build.
const lspCloseTimeout = 5 * time.Second

// Pipeline runs one build. The store is owned by the pipeline until the
// graph is frozen and handed to the caller.
type Pipeline struct {
	s      settings
	store  graph.Store
	report Report
	fanout *FanOut
}

// Build constructs the graph for one repository. On success the returned
// store is frozen. On failure no graph is returned and the error matches
// ErrBadInput, ErrStoreInit or ErrBuildCancelled where one applies.
func Build(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	s, err := opts.validate()
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		s: s,
		report: Report{
			BuildID:  uuid.NewString(),
			Language: s.language.ID,
			Root:     s.root,
			Backend:  s.Backend,
		},
	}
	if s.NewStore != nil {
		p.report.Backend = "custom"
	}

	ctx, span := startBuildSpan(ctx, p.report.BuildID, p.report.Language, p.report.Backend)
	slog.Info("build.start",
		slog.String("build_id", p.report.BuildID),
		slog.String("language", p.report.Language),
		slog.String("root", s.root),
		slog.String("backend", p.report.Backend),
	)

	err = p.run(ctx)
	p.report.Duration = since(start)
	if err != nil {
		if p.store != nil {
			_ = p.store.Close()
			// An unfinished on-disk graph is never left behind; validate
			// guaranteed the path did not exist before this build.
			if p.s.dbPath != "" {
				_ = os.RemoveAll(p.s.dbPath)
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrBuildCancelled) {
			err = fmt.Errorf("%w: %w", ErrBuildCancelled, ctxErr)
		}
		recordBuild(ctx, &p.report, outcomeOf(err))
		endSpan(span, err)
		slog.Warn("build.failed",
			slog.String("build_id", p.report.BuildID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	recordBuild(ctx, &p.report, "ok")
	endSpan(span, nil)
	n, e, _ := p.store.GraphSize(ctx)
	slog.Info("build.done",
		slog.String("build_id", p.report.BuildID),
		slog.Int("files", p.report.Files),
		slog.Int("skipped", len(p.report.Skipped)),
		slog.Int("nodes", n),
		slog.Int("edges", e),
		slog.Duration("duration", p.report.Duration),
	)
	return &Result{Store: p.store, Report: p.report}, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrBadInput):
		return "bad_input"
	case errors.Is(err, ErrBuildCancelled):
		return "cancelled"
	default:
		return "error"
	}
}

func (p *Pipeline) run(ctx context.Context) error {
	var paths []string
	err := p.phase(ctx, PhaseDiscover, func(ctx context.Context) error {
		d, err := newDiscoverer(p.s.root, p.s.language.Plugin(), p.s.Include, p.s.Exclude)
		if err != nil {
			return err
		}
		paths, err = d.run(ctx)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: walk %s: %v", ErrBadInput, p.s.root, err)
		}
		return err
	})
	if err != nil {
		return err
	}

	// The store is opened once the input is known to be readable.
	st, err := p.s.openStore()
	if err != nil {
		return err
	}
	p.store = st
	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreInit, err)
	}

	var files []parsed
	err = p.phase(ctx, PhaseParse, func(ctx context.Context) error {
		p.fanout = NewFanOut(p.s.root, p.s.language.Plugin(), p.s.Workers, p.emit)
		files, err = p.fanout.Run(ctx, paths)
		return err
	})
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Err != nil {
			p.report.Skipped = append(p.report.Skipped, FileError{Path: f.Path, Err: f.Err})
			slog.Warn("parse.skip", slog.String("file", f.Path), slog.String("error", f.Err.Error()))
			continue
		}
		p.report.Files++
	}

	m := newMerger(st, &p.report, p.s.language.ID, p.s.root)
	var inputs []resolve.FileInput
	err = p.phase(ctx, PhaseMerge, func(ctx context.Context) error {
		inputs, err = m.merge(ctx, files)
		return err
	})
	if err != nil {
		return err
	}

	// Barrier: every file is merged before any cross-file lookup.
	family := p.s.language.Family
	known := make([]string, 0, len(inputs))
	for _, in := range inputs {
		known = append(known, in.Path)
	}
	ix := resolve.NewIndex(family, inputs,
		resolve.NewImportResolver(p.s.root, known, m.Modules()),
		resolve.NewLibraries(family, m.Entities()))

	var resolved *resolve.Output
	err = p.phase(ctx, PhaseResolve, func(ctx context.Context) error {
		external, closeExternal := p.external(ctx)
		defer closeExternal()
		resolved, err = ix.Resolve(ctx, resolve.Options{
			Language:    p.s.language.ID,
			Root:        p.s.root,
			External:    external,
			MaxInFlight: p.s.LSPMaxInFlight,
			Timeout:     p.s.LSPTimeout,
		})
		if err != nil {
			return err
		}
		p.report.Resolution = resolved.Stats
		for _, e := range resolved.Edges {
			if err := insertEdge(ctx, st, &p.report, e); err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = p.phase(ctx, PhasePatterns, func(ctx context.Context) error {
		out, err := patterns.Run(ctx, ix, resolved.Edges)
		if err != nil {
			return err
		}
		p.report.Patterns = out.Stats
		for _, n := range out.Nodes {
			if _, err := st.InsertNode(ctx, n); err != nil {
				return fmt.Errorf("patterns: insert %s: %w", n.ID, err)
			}
		}
		for _, e := range out.Edges {
			if err := insertEdge(ctx, st, &p.report, e); err != nil {
				return fmt.Errorf("patterns: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return p.phase(ctx, PhaseFreeze, func(context.Context) error {
		st.Freeze()
		return nil
	})
}

// phase runs fn under its own span, bracketed by progress events. A
// context that has already ended stops the build before fn runs.
func (p *Pipeline) phase(ctx context.Context, ph Phase, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: before %s: %w", ErrBuildCancelled, ph, err)
	}
	p.emit(ProgressEvent{Phase: ph, Status: ProgressWorking})
	ctx, span := startPhaseSpan(ctx, ph)
	start := time.Now()
	err := fn(ctx)
	endSpan(span, err)
	if err != nil {
		p.emit(ProgressEvent{Phase: ph, Status: ProgressFailed, Message: err.Error()})
		if ctx.Err() != nil && !errors.Is(err, ErrBuildCancelled) {
			return fmt.Errorf("%w: during %s: %w", ErrBuildCancelled, ph, err)
		}
		return err
	}
	p.emit(ProgressEvent{Phase: ph, Status: ProgressComplete})
	slog.Debug("build.phase", slog.String("phase", ph.String()), slog.Duration("duration", since(start)))
	return nil
}

// external picks the resolver for the external tier. A language server
// that cannot start degrades the build to in-process resolution.
func (p *Pipeline) external(ctx context.Context) (resolve.SymbolResolver, func()) {
	noop := func() {}
	if !p.s.UseLSP {
		return nil, noop
	}
	if p.s.Resolver != nil {
		p.report.External = "injected"
		return p.s.Resolver, noop
	}
	cfg := lsp.Config{
		Language:      p.s.language.ID,
		Root:          p.s.root,
		CacheSize:     p.s.LSPCacheSize,
		RatePerSecond: p.s.LSPRatePerSecond,
	}
	if len(p.s.LSPCommand) > 0 {
		cfg.Command, cfg.Args = p.s.LSPCommand[0], p.s.LSPCommand[1:]
	}
	client, err := lsp.Start(ctx, cfg)
	if err != nil {
		p.report.External = "unavailable"
		slog.Warn("lsp.unavailable",
			slog.String("language", p.s.language.ID),
			slog.String("error", err.Error()),
		)
		return nil, noop
	}
	p.report.External = "lsp"
	return client, func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lspCloseTimeout)
		defer cancel()
		if err := client.Close(cctx); err != nil {
			slog.Warn("lsp.close", slog.String("error", err.Error()))
		}
	}
}

func (p *Pipeline) emit(ev ProgressEvent) {
	if p.s.Progress != nil {
		ev.BuildID = p.report.BuildID
		p.s.Progress(ev)
	}
}
