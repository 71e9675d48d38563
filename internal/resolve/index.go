package resolve

import (
	"path"
	"sort"
	"strings"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/lang"
)

// FileInput is one parsed file handed to the resolver.
type FileInput struct {
	Path   string // repo-relative, slash separated
	FileID string // identity of the File node
	Result *lang.FileResult
	// EntityIDs is parallel to Result.Entities and holds the identity of
	// each inserted entity, or "" when the candidate failed validation.
	EntityIDs []string
}

// Kind sets used for lookups.
var (
	CallTargets = []graph.NodeKind{graph.NodeFunction, graph.NodeClass}
	TypeTargets = []graph.NodeKind{graph.NodeDataModel, graph.NodeClass}
)

type symbol struct {
	id     string
	kind   graph.NodeKind
	name   string
	file   string
	parent string
	start  int
	end    int
}

// binding is one name brought into a file's scope by an import.
type binding struct {
	local    string
	spec     string
	imported string // exported name, "default" or "*"
	glob     bool   // every exported name of the target is in scope
	files    []string
	library  string
	line     int
}

type fileScope struct {
	in       FileInput
	module   string
	symbols  []*symbol
	byName   map[string][]*symbol
	bindings map[string]*binding
	order    []*binding
}

// Index is the symbol and import table of a whole build.
type Index struct {
	family  lang.Family
	files   map[string]*fileScope
	paths   []string
	modules map[string][]*fileScope
	imports *ImportResolver
	libs    *Libraries
}

// NewIndex builds symbol tables for every file and resolves every import
// specifier once.
func NewIndex(family lang.Family, inputs []FileInput, imports *ImportResolver, libs *Libraries) *Index {
	ix := &Index{
		family:  family,
		files:   make(map[string]*fileScope, len(inputs)),
		modules: make(map[string][]*fileScope),
		imports: imports,
		libs:    libs,
	}
	for _, in := range inputs {
		if in.Result == nil {
			continue
		}
		fs := &fileScope{
			in:       in,
			module:   in.Result.Module,
			byName:   make(map[string][]*symbol),
			bindings: make(map[string]*binding),
		}
		for i, c := range in.Result.Entities {
			if i >= len(in.EntityIDs) || in.EntityIDs[i] == "" || !isSymbolKind(c.Kind) {
				continue
			}
			s := &symbol{
				id: in.EntityIDs[i], kind: c.Kind, name: c.Name, file: in.Path,
				parent: c.Parent, start: c.StartLine, end: c.EndLine,
			}
			fs.symbols = append(fs.symbols, s)
			fs.byName[s.name] = append(fs.byName[s.name], s)
		}
		ix.files[in.Path] = fs
		ix.paths = append(ix.paths, in.Path)
		if fs.module != "" && len(fs.symbols) > 0 {
			ix.modules[fs.module] = append(ix.modules[fs.module], fs)
		}
	}
	sort.Strings(ix.paths)
	for _, m := range ix.modules {
		sort.Slice(m, func(i, j int) bool { return m[i].in.Path < m[j].in.Path })
	}
	for _, p := range ix.paths {
		ix.bind(ix.files[p])
	}
	return ix
}

func isSymbolKind(k graph.NodeKind) bool {
	switch k {
	case graph.NodeFunction, graph.NodeClass, graph.NodeDataModel:
		return true
	}
	return false
}

func (ix *Index) bind(fs *fileScope) {
	for _, ref := range fs.in.Result.Imports() {
		b := &binding{
			local:    ref.Name,
			spec:     ref.Meta[graph.MetaSource],
			imported: ref.Meta[lang.MetaImported],
			line:     ref.Line,
		}
		if b.imported == "" {
			b.imported = "*"
		}
		b.glob = b.imported == "*" && ref.Meta[lang.MetaAlias] == ""
		if ix.imports != nil {
			if files, ok := ix.imports.Resolve(ix.family, b.spec, fs.in.Path); ok {
				for _, f := range files {
					if f != fs.in.Path {
						b.files = append(b.files, f)
					}
				}
			}
		}
		if len(b.files) == 0 && ix.libs != nil {
			b.library, _ = ix.libs.Match(b.spec)
		}
		if _, dup := fs.bindings[b.local]; !dup {
			fs.bindings[b.local] = b
		}
		fs.order = append(fs.order, b)
	}
}

// Module returns the module scope reported for file.
func (ix *Index) Module(file string) string {
	if fs := ix.files[file]; fs != nil {
		return fs.module
	}
	return ""
}

// Files returns the indexed file paths, sorted.
func (ix *Index) Files() []string { return ix.paths }

// Input returns the input registered for file.
func (ix *Index) Input(file string) (FileInput, bool) {
	fs := ix.files[file]
	if fs == nil {
		return FileInput{}, false
	}
	return fs.in, true
}

// Lookup resolves an unqualified name written in file through the
// in-process tiers (same file, same module, imports). It is used by the
// pattern passes to find handlers and rendered components.
func (ix *Index) Lookup(file, name string, line int, kinds ...graph.NodeKind) (string, bool) {
	fs := ix.files[file]
	if fs == nil || name == "" {
		return "", false
	}
	h := ix.resolve(fs, name, "", line, "", kinds)
	if !h.ok || h.confidence == graph.ConfidenceLibrary {
		return "", false
	}
	return h.target, true
}

// hit is the outcome of one in-process lookup.
type hit struct {
	target     string
	confidence string
	ok         bool
	external   bool // only an external resolver can answer
}

// resolve runs the ordered lookup for one reference. class is the class
// enclosing the reference site, used for this/self receivers.
func (ix *Index) resolve(fs *fileScope, name, receiver string, line int, class string, kinds []graph.NodeKind) hit {
	switch {
	case receiver == "":
		if s := best(filter(fs.byName[name], kinds), fs.in.Path, line); s != nil {
			return hit{target: s.id, confidence: graph.ConfidenceSameFile, ok: true}
		}
		if s := ix.sameModule(fs, name, kinds); s != nil {
			return hit{target: s.id, confidence: graph.ConfidenceSameModule, ok: true}
		}
		if b := fs.bindings[name]; b != nil && !b.glob && b.imported != "*" {
			if s := ix.imported(fs, b, b.imported, kinds); s != nil {
				return hit{target: s.id, confidence: graph.ConfidenceImport, ok: true}
			}
			if b.library != "" {
				return hit{target: b.library, confidence: graph.ConfidenceLibrary, ok: true}
			}
			return hit{external: true}
		}
		for _, b := range fs.order {
			if !b.glob {
				continue
			}
			if s := ix.imported(fs, b, name, kinds); s != nil {
				return hit{target: s.id, confidence: graph.ConfidenceImport, ok: true}
			}
		}
		return hit{external: true}

	case receiver == "this" || receiver == "self" || receiver == "super":
		cands := filter(fs.byName[name], kinds)
		if class != "" {
			var own []*symbol
			for _, s := range cands {
				if s.parent == class {
					own = append(own, s)
				}
			}
			if len(own) > 0 {
				cands = own
			}
		}
		if s := best(cands, fs.in.Path, line); s != nil {
			return hit{target: s.id, confidence: graph.ConfidenceSameFile, ok: true}
		}
		return hit{external: true}
	}

	// Qualified through an import: fmt.Println, api.listPeople, React.memo.
	if b := fs.bindings[receiver]; b != nil {
		if s := ix.imported(fs, b, name, kinds); s != nil {
			return hit{target: s.id, confidence: graph.ConfidenceImport, ok: true}
		}
		if b.library != "" {
			return hit{target: b.library, confidence: graph.ConfidenceLibrary, ok: true}
		}
	}
	// Rust paths: crate::db::connect, models::User::new.
	if strings.Contains(receiver, "::") {
		if b := fs.bindings[lastSegmentOf(receiver)]; b != nil {
			if s := ix.imported(fs, b, name, kinds); s != nil {
				return hit{target: s.id, confidence: graph.ConfidenceImport, ok: true}
			}
		}
		if b := fs.bindings[firstSegment(receiver, "::")]; b != nil && b.library != "" {
			return hit{target: b.library, confidence: graph.ConfidenceLibrary, ok: true}
		}
	}
	return hit{external: true}
}

func lastSegmentOf(p string) string {
	if i := strings.LastIndex(p, "::"); i >= 0 {
		return p[i+2:]
	}
	return p
}

func (ix *Index) sameModule(fs *fileScope, name string, kinds []graph.NodeKind) *symbol {
	if fs.module == "" {
		return nil
	}
	var cands []*symbol
	for _, other := range ix.modules[fs.module] {
		if other == fs {
			continue
		}
		cands = append(cands, filter(other.byName[name], kinds)...)
	}
	return best(cands, fs.in.Path, 0)
}

// imported finds name among the files an import binding resolved to,
// following re-exports up to a small depth.
func (ix *Index) imported(fs *fileScope, b *binding, name string, kinds []graph.NodeKind) *symbol {
	var cands []*symbol
	for _, f := range b.files {
		target := ix.files[f]
		if target == nil {
			continue
		}
		want := name
		if want == "default" {
			want = target.in.Result.DefaultExport
			if want == "" {
				want = b.local
			}
		}
		if s := ix.exported(target, want, kinds, 3); s != nil {
			cands = append(cands, s)
		}
	}
	return best(cands, fs.in.Path, 0)
}

func (ix *Index) exported(fs *fileScope, name string, kinds []graph.NodeKind, depth int) *symbol {
	if s := best(filter(fs.byName[name], kinds), fs.in.Path, 0); s != nil {
		return s
	}
	if depth == 0 {
		return nil
	}
	// export { name } from "./x" and export * from "./x".
	if b := fs.bindings[name]; b != nil && !b.glob {
		return ix.imported(fs, b, b.imported, kinds)
	}
	for _, b := range fs.order {
		if b.glob {
			for _, f := range b.files {
				if target := ix.files[f]; target != nil {
					if s := ix.exported(target, name, kinds, depth-1); s != nil {
						return s
					}
				}
			}
		}
	}
	return nil
}

// symbolAt returns the innermost symbol of file whose span contains line.
func (ix *Index) symbolAt(file string, line int, kinds []graph.NodeKind) *symbol {
	fs := ix.files[file]
	if fs == nil {
		return nil
	}
	var found *symbol
	for _, s := range filter(fs.symbols, kinds) {
		if line < s.start || line > s.end {
			continue
		}
		if found == nil || s.end-s.start < found.end-found.start ||
			(s.end-s.start == found.end-found.start && s.id < found.id) {
			found = s
		}
	}
	return found
}

func filter(syms []*symbol, kinds []graph.NodeKind) []*symbol {
	if len(kinds) == 0 {
		return syms
	}
	var out []*symbol
	for _, s := range syms {
		for _, k := range kinds {
			if s.kind == k {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// best picks the candidate closest to the reference site: lexical distance
// first (lines within the same file, directories across files), then the
// lower start line, then identity.
func best(cands []*symbol, file string, line int) *symbol {
	var out *symbol
	var outDist int
	for _, s := range cands {
		d := distance(s, file, line)
		if out == nil || d < outDist ||
			(d == outDist && (s.start < out.start || (s.start == out.start && s.id < out.id))) {
			out, outDist = s, d
		}
	}
	return out
}

func distance(s *symbol, file string, line int) int {
	if s.file == file {
		switch {
		case line == 0:
			return 0
		case line >= s.start && line <= s.end:
			return 0
		case line < s.start:
			return s.start - line
		default:
			return line - s.end
		}
	}
	return dirDistance(path.Dir(file), path.Dir(s.file))
}

// dirDistance counts the directory steps between two slash paths.
func dirDistance(a, b string) int {
	as, bs := splitDir(a), splitDir(b)
	common := 0
	for common < len(as) && common < len(bs) && as[common] == bs[common] {
		common++
	}
	return len(as) - common + len(bs) - common
}

func splitDir(d string) []string {
	if d == "." || d == "" {
		return nil
	}
	return strings.Split(d, "/")
}
