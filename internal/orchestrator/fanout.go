package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/dusk-indust/codegraph/internal/lang"
)

// parsed is the outcome of parsing one file. Exactly one of Result and
// Err is set.
type parsed struct {
	Path   string
	Result *lang.FileResult
	Err    error
}

// FanOut parses files in parallel. Workers share only the results slice,
// each writing its own index, so output order matches input order
// regardless of scheduling.
type FanOut struct {
	root       string
	plugin     lang.Plugin
	workers    int
	onProgress func(ProgressEvent)
}

// NewFanOut creates a FanOut reading files under root. onProgress may be
// nil.
func NewFanOut(root string, plugin lang.Plugin, workers int, onProgress func(ProgressEvent)) *FanOut {
	if workers <= 0 {
		workers = 1
	}
	return &FanOut{root: root, plugin: plugin, workers: workers, onProgress: onProgress}
}

// Run parses every path. A file that cannot be read or parsed is reported
// in its result and never fails the run; only cancellation does.
func (f *FanOut) Run(ctx context.Context, paths []string) ([]parsed, error) {
	results := make([]parsed, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f.emit(ProgressEvent{Phase: PhaseParse, Item: p, Status: ProgressWorking})
			res, err := f.parse(gctx, p)
			if err != nil {
				results[i] = parsed{Path: p, Err: err}
				f.emit(ProgressEvent{Phase: PhaseParse, Item: p, Status: ProgressFailed, Message: err.Error()})
				return nil
			}
			results[i] = parsed{Path: p, Result: res}
			f.emit(ProgressEvent{Phase: PhaseParse, Item: p, Status: ProgressComplete})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (f *FanOut) parse(ctx context.Context, p string) (*lang.FileResult, error) {
	src, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(p)))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	res, err := f.plugin.Parse(ctx, p, src)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%w: plugin returned no result", lang.ErrSyntax)
	}
	return res, nil
}

func (f *FanOut) emit(ev ProgressEvent) {
	if f.onProgress != nil {
		f.onProgress(ev)
	}
}
