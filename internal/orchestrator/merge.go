package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/lang"
	"github.com/dusk-indust/codegraph/internal/resolve"
)

// merger inserts the structural part of the graph: repository, language,
// directories, files, imports and the entities every plugin reported.
// It is the only writer of the store during a build.
type merger struct {
	store    graph.Store
	report   *Report
	language string
	root     string

	dirs     map[string]string // directory path -> node identity
	entities []graph.Node
	modules  map[string][]string
}

func newMerger(store graph.Store, report *Report, language, root string) *merger {
	return &merger{
		store:    store,
		report:   report,
		language: language,
		root:     root,
		dirs:     make(map[string]string),
		modules:  make(map[string][]string),
	}
}

// merge inserts every successfully parsed file and returns the resolution
// inputs in path order.
func (m *merger) merge(ctx context.Context, files []parsed) ([]resolve.FileInput, error) {
	repo, err := m.node(ctx, graph.Candidate{
		Kind: graph.NodeRepository,
		Name: filepath.Base(m.root),
		Meta: map[string]string{graph.MetaRoot: m.root},
	})
	if err != nil {
		return nil, err
	}
	langID, err := m.node(ctx, graph.Candidate{
		Kind: graph.NodeLanguage,
		Name: m.language,
		Meta: map[string]string{graph.MetaRoot: m.root},
	})
	if err != nil {
		return nil, err
	}
	if err := m.edge(ctx, graph.EdgeContains, repo, langID); err != nil {
		return nil, err
	}
	m.dirs["."] = langID

	inputs := make([]resolve.FileInput, 0, len(files))
	for _, f := range files {
		if f.Err != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in, err := m.file(ctx, f.Path, f.Result)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// Entities returns the entity nodes inserted so far, in insertion order.
func (m *merger) Entities() []graph.Node { return m.entities }

// Modules maps module names to the files that declare them.
func (m *merger) Modules() map[string][]string { return m.modules }

func (m *merger) file(ctx context.Context, p string, res *lang.FileResult) (resolve.FileInput, error) {
	parent, err := m.dir(ctx, path.Dir(p))
	if err != nil {
		return resolve.FileInput{}, err
	}
	fileID, err := m.node(ctx, graph.Candidate{Kind: graph.NodeFile, Name: path.Base(p), File: p})
	if err != nil {
		return resolve.FileInput{}, err
	}
	if err := m.edge(ctx, graph.EdgeContains, parent, fileID); err != nil {
		return resolve.FileInput{}, err
	}
	res.Path = p
	in := resolve.FileInput{Path: p, FileID: fileID, Result: res}

	if imports := res.Imports(); len(imports) > 0 {
		id, err := m.node(ctx, importCandidate(p, imports))
		if err != nil {
			return in, err
		}
		if err := m.edge(ctx, graph.EdgeContains, fileID, id); err != nil {
			return in, err
		}
	}

	in.EntityIDs = make([]string, len(res.Entities))
	for i, c := range res.Entities {
		if c.File == "" {
			c.File = p
		}
		n, err := graph.NewNode(c)
		if err != nil {
			m.invalid(p, err)
			continue
		}
		if _, err := m.store.InsertNode(ctx, n); err != nil {
			return in, fmt.Errorf("merge: insert %s: %w", n.ID, err)
		}
		in.EntityIDs[i] = n.ID
		m.entities = append(m.entities, n)
		if err := m.edge(ctx, graph.EdgeContains, fileID, n.ID); err != nil {
			return in, err
		}
	}
	if err := m.operands(ctx, in); err != nil {
		return in, err
	}
	if res.Module != "" {
		m.modules[res.Module] = append(m.modules[res.Module], p)
	}
	return in, nil
}

// dir returns the identity of the Directory node for d, creating it and
// its ancestors on first use. The repository root maps to the Language
// node.
func (m *merger) dir(ctx context.Context, d string) (string, error) {
	if id, ok := m.dirs[d]; ok {
		return id, nil
	}
	parent, err := m.dir(ctx, path.Dir(d))
	if err != nil {
		return "", err
	}
	id, err := m.node(ctx, graph.Candidate{Kind: graph.NodeDirectory, Name: path.Base(d), File: d})
	if err != nil {
		return "", err
	}
	if err := m.edge(ctx, graph.EdgeContains, parent, id); err != nil {
		return "", err
	}
	m.dirs[d] = id
	return id, nil
}

// operands links each method to the class or data model that owns it.
// Among same-named owners the one whose span holds the method wins.
func (m *merger) operands(ctx context.Context, in resolve.FileInput) error {
	for i, c := range in.Result.Entities {
		if c.Parent == "" || in.EntityIDs[i] == "" {
			continue
		}
		owner := ""
		for j, o := range in.Result.Entities {
			if j == i || in.EntityIDs[j] == "" || o.Name != c.Parent {
				continue
			}
			if o.Kind != graph.NodeClass && o.Kind != graph.NodeDataModel {
				continue
			}
			if owner == "" {
				owner = in.EntityIDs[j]
			}
			if o.StartLine <= c.StartLine && (o.EndLine == 0 || c.StartLine <= o.EndLine) {
				owner = in.EntityIDs[j]
				break
			}
		}
		if owner == "" {
			continue
		}
		if err := m.edge(ctx, graph.EdgeOperand, owner, in.EntityIDs[i]); err != nil {
			return err
		}
	}
	return nil
}

func importCandidate(p string, imports []lang.Reference) graph.Candidate {
	var lines []string
	seen := make(map[string]bool)
	first, last := imports[0].Line, imports[0].Line
	for _, ref := range imports {
		first, last = min(first, ref.Line), max(last, ref.Line)
		text := strings.TrimSpace(ref.Text)
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		lines = append(lines, text)
	}
	return graph.Candidate{
		Kind:      graph.NodeImport,
		Name:      path.Base(p),
		File:      p,
		StartLine: first,
		EndLine:   last,
		Meta:      map[string]string{graph.MetaSource: strings.Join(lines, "\n")},
	}
}

func (m *merger) node(ctx context.Context, c graph.Candidate) (string, error) {
	n, err := graph.NewNode(c)
	if err != nil {
		return "", fmt.Errorf("merge: %s %q: %w", c.Kind, c.Name, err)
	}
	id, err := m.store.InsertNode(ctx, n)
	if err != nil {
		return "", fmt.Errorf("merge: insert %s: %w", n.ID, err)
	}
	return id, nil
}

func (m *merger) edge(ctx context.Context, kind graph.EdgeKind, source, target string) error {
	e, err := graph.NewEdge(kind, source, target, nil)
	if err != nil {
		m.invalid(source, err)
		return nil
	}
	return insertEdge(ctx, m.store, m.report, e)
}

func (m *merger) invalid(file string, err error) {
	m.report.Invalid++
	slog.Debug("merge.invalid", slog.String("file", file), slog.String("error", err.Error()))
}

// insertEdge writes one edge. Validation and dangling endpoint failures
// are counted and skipped; anything else is a store failure.
func insertEdge(ctx context.Context, store graph.Store, report *Report, e graph.Edge) error {
	_, err := store.InsertEdge(ctx, e)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, graph.ErrDanglingEdge), errors.Is(err, graph.ErrInvalidEdge):
		report.Invalid++
		slog.Debug("merge.edge.skip", slog.String("edge", e.ID), slog.String("error", err.Error()))
		return nil
	default:
		return fmt.Errorf("insert %s: %w", e.ID, err)
	}
}
