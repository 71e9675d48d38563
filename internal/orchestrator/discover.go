package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/dusk-indust/codegraph/internal/lang"
)

// Directories never descended into.
var skippedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	".idea":        true,
	".vscode":      true,
	".gradle":      true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"target":       true,
	"dist":         true,
}

// discoverer lists the repo-relative paths a plugin should parse.
type discoverer struct {
	root    string
	plugin  lang.Plugin
	include []glob.Glob
	exclude []glob.Glob
	ignored *ignore.GitIgnore
}

func newDiscoverer(root string, plugin lang.Plugin, include, exclude []string) (*discoverer, error) {
	d := &discoverer{root: root, plugin: plugin}
	var err error
	if d.include, err = compileGlobs(include); err != nil {
		return nil, err
	}
	if d.exclude, err = compileGlobs(exclude); err != nil {
		return nil, err
	}
	gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	switch {
	case err == nil:
		d.ignored = gi
	case errors.Is(err, fs.ErrNotExist):
	default:
		slog.Warn("discover.gitignore", slog.String("error", err.Error()))
	}
	return d, nil
}

// compileGlobs compiles patterns with '/' as the separator, so that '*'
// stays within one path segment and '**' crosses segments.
func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrBadInput, p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// run walks the root and returns sorted slash paths.
func (d *discoverer) run(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(d.root, func(p string, e fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if p == d.root {
				return walkErr
			}
			if os.IsPermission(walkErr) {
				return nil
			}
			return walkErr
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if e.IsDir() {
			if rel != "." && (skippedDirs[e.Name()] || d.isIgnored(rel+"/")) {
				return fs.SkipDir
			}
			return nil
		}
		if !e.Type().IsRegular() {
			return nil
		}
		if d.keep(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (d *discoverer) isIgnored(rel string) bool {
	return d.ignored != nil && d.ignored.MatchesPath(rel)
}

func (d *discoverer) keep(rel string) bool {
	if !d.plugin.Handles(rel) || d.isIgnored(rel) {
		return false
	}
	for _, g := range d.exclude {
		if g.Match(rel) {
			return false
		}
	}
	if len(d.include) == 0 {
		return true
	}
	for _, g := range d.include {
		if g.Match(rel) {
			return true
		}
	}
	return false
}
