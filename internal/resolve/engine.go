package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/lang"
)

// Options configure one resolution pass.
type Options struct {
	Language string
	Root     string
	// External answers references the in-process tiers cannot. Nil
	// disables the external tier.
	External    SymbolResolver
	MaxInFlight int
	Timeout     time.Duration
}

// Stats summarizes a resolution pass.
type Stats struct {
	Resolved     int            `json:"resolved"`
	Unresolved   int            `json:"unresolved"`
	External     int            `json:"external"`
	ExternalErrs int            `json:"externalErrors"`
	Imports      int            `json:"imports"`
	ByConfidence map[string]int `json:"byConfidence"`
}

func (s *Stats) resolved(confidence string) {
	s.Resolved++
	if s.ByConfidence == nil {
		s.ByConfidence = make(map[string]int)
	}
	s.ByConfidence[confidence]++
}

// Output is the result of Resolve: edges in a deterministic order.
type Output struct {
	Edges []graph.Edge
	Stats Stats
}

// pending is a reference deferred to the external resolver.
type pending struct {
	fs     *fileScope
	ref    lang.Reference
	source string
	kinds  []graph.NodeKind
}

type collector struct {
	out  *Output
	seen map[string]bool
}

func (c *collector) add(e graph.Edge, err error) bool {
	if err != nil {
		slog.Debug("resolve.edge.invalid", slog.String("error", err.Error()))
		return false
	}
	if c.seen[e.ID] {
		return true
	}
	c.seen[e.ID] = true
	c.out.Edges = append(c.out.Edges, e)
	return true
}

// Resolve links every reference of the index. Files are visited in path
// order and references in source order; external answers are applied in
// the same order after the query pool drains.
func (ix *Index) Resolve(ctx context.Context, opts Options) (*Output, error) {
	out := &Output{}
	c := &collector{out: out, seen: make(map[string]bool)}
	var deferred []pending

	for _, p := range ix.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fs := ix.files[p]
		ix.importEdges(fs, c)

		for _, ref := range fs.in.Result.References {
			var kinds []graph.NodeKind
			switch ref.Kind {
			case lang.RefCall:
				kinds = CallTargets
			case lang.RefType:
				kinds = TypeTargets
			default:
				continue
			}
			source := sourceOf(fs, ref)
			if ref.Kind == lang.RefType && source == fs.in.FileID {
				continue // file-level type mentions carry no Uses relation
			}
			h := ix.resolve(fs, ref.Name, ref.Receiver, ref.Line, classOf(fs, ref), kinds)
			if h.ok {
				if link(c, ref, source, h.target, h.confidence) {
					out.Stats.resolved(h.confidence)
				}
				continue
			}
			deferred = append(deferred, pending{fs: fs, ref: ref, source: source, kinds: kinds})
		}
	}

	if len(deferred) == 0 {
		return out, nil
	}
	if opts.External == nil {
		out.Stats.Unresolved += len(deferred)
		return out, nil
	}
	if err := ix.external(ctx, opts, deferred, c); err != nil {
		return nil, err
	}
	return out, nil
}

func (ix *Index) importEdges(fs *fileScope, c *collector) {
	for _, b := range fs.order {
		for _, f := range b.files {
			target := ix.files[f]
			if target == nil {
				continue
			}
			if c.add(graph.NewEdge(graph.EdgeImports, fs.in.FileID, target.in.FileID, nil)) {
				c.out.Stats.Imports++
			}
		}
		if len(b.files) == 0 && b.library != "" {
			if c.add(graph.NewEdge(graph.EdgeImports, fs.in.FileID, b.library, nil)) {
				c.out.Stats.Imports++
			}
		}
	}
}

func link(c *collector, ref lang.Reference, source, target, confidence string) bool {
	if ref.Kind == lang.RefType {
		if source == target {
			return false
		}
		return c.add(graph.NewEdge(graph.EdgeUses, source, target, nil))
	}
	callSite := ref.Text
	if callSite == "" {
		callSite = ref.Name
	}
	return c.add(graph.NewCallsEdge(source, target, graph.CallsMeta{
		Confidence: confidence,
		CallSite:   callSite,
		Line:       ref.Line,
	}))
}

// sourceOf returns the identity of the entity enclosing ref, or the File
// node for file-level references.
func sourceOf(fs *fileScope, ref lang.Reference) string {
	if ref.Enclosing >= 0 && ref.Enclosing < len(fs.in.EntityIDs) {
		if id := fs.in.EntityIDs[ref.Enclosing]; id != "" {
			return id
		}
	}
	return fs.in.FileID
}

func classOf(fs *fileScope, ref lang.Reference) string {
	if ref.Enclosing < 0 || ref.Enclosing >= len(fs.in.Result.Entities) {
		return ""
	}
	e := fs.in.Result.Entities[ref.Enclosing]
	if e.Kind == graph.NodeClass || e.Kind == graph.NodeDataModel {
		return e.Name
	}
	return e.Parent
}

type answer struct {
	res DefinitionResult
	ok  bool
	err error
}

// external queries the SymbolResolver for every deferred reference with at
// most MaxInFlight queries in flight, each under its own timeout. Query
// failures degrade to unresolved references; only cancellation of ctx
// aborts the pass.
func (ix *Index) external(ctx context.Context, opts Options, deferred []pending, c *collector) error {
	limit := opts.MaxInFlight
	if limit <= 0 {
		limit = DefaultMaxInFlight
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	answers := make([]answer, len(deferred))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, d := range deferred {
		q := DefinitionQuery{
			Language: opts.Language,
			Root:     opts.Root,
			File:     d.fs.in.Path,
			Line:     d.ref.Line,
			Column:   d.ref.Column,
			Name:     d.ref.Name,
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			qctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			res, ok, err := opts.External.Definition(qctx, q)
			answers[i] = answer{res: res, ok: ok, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("resolve: external queries: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("resolve: external queries: %w", err)
	}

	for i, d := range deferred {
		a := answers[i]
		if a.err != nil {
			c.out.Stats.ExternalErrs++
			c.out.Stats.Unresolved++
			slog.Debug("resolve.external.error",
				slog.String("file", d.fs.in.Path),
				slog.Int("line", d.ref.Line),
				slog.String("name", d.ref.Name),
				slog.String("error", a.err.Error()),
			)
			continue
		}
		if !a.ok {
			c.out.Stats.Unresolved++
			continue
		}
		s := ix.symbolAt(a.res.File, a.res.Line, d.kinds)
		if s == nil {
			c.out.Stats.Unresolved++
			continue
		}
		if link(c, d.ref, d.source, s.id, graph.ConfidenceExternal) {
			c.out.Stats.resolved(graph.ConfidenceExternal)
			c.out.Stats.External++
		} else {
			c.out.Stats.Unresolved++
		}
	}
	return nil
}
