package resolve

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/mod/modfile"

	"github.com/dusk-indust/codegraph/internal/lang"
)

// ImportResolver rewrites raw import specifiers into the repo-relative
// paths of the files they name. It is built once per build with the set of
// known file paths, the module scope of each file and any workspace
// metadata found in the repository root.
type ImportResolver struct {
	repoRoot     string
	fileSet      map[string]bool
	dirIndex     map[string][]string
	modules      map[string][]string
	tsWorkspaces map[string]*tsWorkspace
	goModPath    string
}

// tsWorkspace holds metadata about a single npm/bun workspace package.
type tsWorkspace struct {
	dir            string            // repo-relative directory (e.g. "packages/db")
	mainFile       string            // default export target, repo-relative
	subpathExports map[string]string // "./queries" -> "packages/db/src/queries.ts"
}

// NewImportResolver builds a resolver from the repository root, the known
// repo-relative (slash separated) file paths and a module -> files map used
// for package-scoped imports (Kotlin packages, Swift targets).
func NewImportResolver(repoRoot string, knownFiles []string, modules map[string][]string) *ImportResolver {
	r := &ImportResolver{
		repoRoot:     repoRoot,
		fileSet:      make(map[string]bool, len(knownFiles)),
		dirIndex:     make(map[string][]string),
		modules:      make(map[string][]string, len(modules)),
		tsWorkspaces: make(map[string]*tsWorkspace),
	}

	for _, f := range knownFiles {
		r.fileSet[f] = true
		dir := path.Dir(f)
		r.dirIndex[dir] = append(r.dirIndex[dir], f)
	}
	for dir := range r.dirIndex {
		sort.Strings(r.dirIndex[dir])
	}
	for m, files := range modules {
		sorted := append([]string(nil), files...)
		sort.Strings(sorted)
		r.modules[m] = sorted
	}

	r.scanTSWorkspaces()
	r.scanGoMod()

	return r
}

// Resolve maps an import specifier written in sourceFile to the files it
// names, sorted. Go package imports and Kotlin package imports can name
// several files. It returns false for external or unknown specifiers.
func (r *ImportResolver) Resolve(family lang.Family, spec, sourceFile string) ([]string, bool) {
	switch family {
	case lang.FamilyJS:
		return one(r.resolveTS(spec, sourceFile))
	case lang.FamilyGo:
		return r.resolveGo(spec)
	case lang.FamilyPython:
		return one(r.resolvePython(spec, sourceFile))
	case lang.FamilyRust:
		return one(r.resolveRust(spec, sourceFile))
	case lang.FamilyKotlin, lang.FamilySwift:
		files := r.modules[spec]
		return files, len(files) > 0
	}
	return nil, false
}

func one(file string, ok bool) ([]string, bool) {
	if !ok {
		return nil, false
	}
	return []string{file}, true
}

// GoModulePath returns the module path declared by the root go.mod, or "".
func (r *ImportResolver) GoModulePath() string { return r.goModPath }

// --- TypeScript resolution ---

var tsExtensions = []string{".ts", ".tsx", ".js", ".jsx", "/index.ts", "/index.tsx", "/index.js", "/index.jsx"}

func (r *ImportResolver) resolveTS(importPath, sourceFile string) (string, bool) {
	if strings.HasPrefix(importPath, "./") || strings.HasPrefix(importPath, "../") {
		base := path.Join(path.Dir(sourceFile), importPath)
		return r.matchFile(base, tsExtensions)
	}
	return r.resolveTSWorkspace(importPath)
}

func (r *ImportResolver) resolveTSWorkspace(importPath string) (string, bool) {
	if ws, ok := r.tsWorkspaces[importPath]; ok {
		return ws.mainFile, ws.mainFile != ""
	}

	// "@scope/pkg/sub/path" -> package "@scope/pkg", subpath "./sub/path";
	// "pkg/sub" -> package "pkg", subpath "./sub".
	var pkgName, subpath string
	if strings.HasPrefix(importPath, "@") {
		afterScope := strings.Index(importPath[1:], "/")
		if afterScope == -1 {
			return "", false
		}
		scopeEnd := afterScope + 1
		secondSlash := strings.Index(importPath[scopeEnd+1:], "/")
		if secondSlash == -1 {
			return "", false
		}
		splitAt := scopeEnd + 1 + secondSlash
		pkgName = importPath[:splitAt]
		subpath = "./" + importPath[splitAt+1:]
	} else {
		slash := strings.Index(importPath, "/")
		if slash == -1 {
			return "", false
		}
		pkgName = importPath[:slash]
		subpath = "./" + importPath[slash+1:]
	}

	ws, ok := r.tsWorkspaces[pkgName]
	if !ok {
		return "", false // external package
	}
	if target, ok := ws.subpathExports[subpath]; ok {
		return target, true
	}
	return r.matchFile(path.Join(ws.dir, subpath[2:]), tsExtensions)
}

// --- Go resolution ---

// resolveGo returns every non-test Go file of the imported package directory.
func (r *ImportResolver) resolveGo(importPath string) ([]string, bool) {
	if r.goModPath == "" {
		return nil, false
	}
	var relDir string
	switch {
	case importPath == r.goModPath:
		relDir = "."
	case strings.HasPrefix(importPath, r.goModPath+"/"):
		relDir = strings.TrimPrefix(importPath, r.goModPath+"/")
	default:
		return nil, false // stdlib or external module
	}

	var out []string
	for _, f := range r.dirIndex[relDir] {
		if strings.HasSuffix(f, ".go") && !strings.HasSuffix(f, "_test.go") {
			out = append(out, f)
		}
	}
	return out, len(out) > 0
}

// --- Python resolution ---

func (r *ImportResolver) resolvePython(importPath, sourceFile string) (string, bool) {
	if !strings.HasPrefix(importPath, ".") {
		return r.resolvePythonAbsolute(importPath)
	}

	dots := len(importPath) - len(strings.TrimLeft(importPath, "."))
	modulePart := importPath[dots:]

	// One dot is the current package, two the parent, and so on.
	baseDir := path.Dir(sourceFile)
	for i := 1; i < dots; i++ {
		baseDir = path.Dir(baseDir)
	}

	if modulePart == "" {
		return r.matchFile(path.Join(baseDir, "__init__"), []string{".py"})
	}
	base := path.Join(baseDir, strings.ReplaceAll(modulePart, ".", "/"))
	return r.matchFile(base, []string{".py", "/__init__.py"})
}

// resolvePythonAbsolute tries app.models as app/models.py or
// app/models/__init__.py from the repo root and from src/.
func (r *ImportResolver) resolvePythonAbsolute(importPath string) (string, bool) {
	rel := strings.ReplaceAll(importPath, ".", "/")
	for _, base := range []string{rel, path.Join("src", rel)} {
		if f, ok := r.matchFile(base, []string{".py", "/__init__.py"}); ok {
			return f, true
		}
	}
	return "", false
}

// --- Rust resolution ---

func (r *ImportResolver) resolveRust(importPath, sourceFile string) (string, bool) {
	if idx := strings.Index(importPath, "::{"); idx != -1 {
		importPath = importPath[:idx]
	}
	exts := []string{".rs", "/mod.rs"}

	switch {
	case importPath == "crate" || strings.HasPrefix(importPath, "crate::"):
		rel := strings.ReplaceAll(strings.TrimPrefix(strings.TrimPrefix(importPath, "crate"), "::"), "::", "/")
		candidates := []string{path.Join("src", rel), rel}
		// If sourceFile is "some_crate/src/service.rs", the crate root is
		// "some_crate/src".
		if srcDir := findCrateRoot(sourceFile); srcDir != "" {
			candidates = append(candidates, path.Join(srcDir, rel))
		}
		if rel == "" {
			candidates = []string{"src/lib", "src/main"}
		}
		for _, base := range candidates {
			if resolved, ok := r.matchFile(base, exts); ok {
				return resolved, true
			}
		}
		return "", false

	case strings.HasPrefix(importPath, "self::"):
		rel := strings.ReplaceAll(strings.TrimPrefix(importPath, "self::"), "::", "/")
		return r.matchFile(path.Join(path.Dir(sourceFile), rel), exts)

	case strings.HasPrefix(importPath, "super::"):
		rel := strings.ReplaceAll(strings.TrimPrefix(importPath, "super::"), "::", "/")
		return r.matchFile(path.Join(path.Dir(path.Dir(sourceFile)), rel), exts)
	}
	return "", false // external crate
}

// findCrateRoot walks up from a file path to the nearest "src" directory.
func findCrateRoot(filePath string) string {
	dir := path.Dir(filePath)
	for dir != "." && dir != "/" && dir != "" {
		if path.Base(dir) == "src" {
			return dir
		}
		dir = path.Dir(dir)
	}
	return ""
}

// --- Shared helpers ---

// matchFile checks if basePath, or basePath with one of the extensions
// appended, is a known file. No filesystem I/O.
func (r *ImportResolver) matchFile(basePath string, extensions []string) (string, bool) {
	if r.fileSet[basePath] {
		return basePath, true
	}
	for _, ext := range extensions {
		if candidate := basePath + ext; r.fileSet[candidate] {
			return candidate, true
		}
	}
	return "", false
}

// --- Workspace / module scanning ---

type packageJSON struct {
	Name       string          `json:"name"`
	Main       string          `json:"main"`
	Workspaces json.RawMessage `json:"workspaces"`
	Exports    json.RawMessage `json:"exports"`
}

func (r *ImportResolver) scanTSWorkspaces() {
	data, err := os.ReadFile(filepath.Join(r.repoRoot, "package.json"))
	if err != nil {
		return
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return
	}

	patterns := parseWorkspacePatterns(pkg.Workspaces)
	if len(patterns) == 0 {
		return
	}
	var matchers []glob.Glob
	for _, p := range patterns {
		g, err := glob.Compile(strings.TrimPrefix(strings.TrimSuffix(p, "/"), "./"), '/')
		if err != nil {
			continue
		}
		matchers = append(matchers, g)
	}

	// Workspace directories are known directories holding a package.json.
	dirs := make([]string, 0, len(r.dirIndex))
	for dir := range r.dirIndex {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		if !r.fileSet[path.Join(dir, "package.json")] {
			continue
		}
		for _, g := range matchers {
			if g.Match(dir) {
				r.loadWorkspacePackage(dir)
				break
			}
		}
	}
}

func parseWorkspacePatterns(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	// ["packages/*", "apps/*"]
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr
	}
	// {"packages": ["packages/*"]}
	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Packages
	}
	return nil
}

func (r *ImportResolver) loadWorkspacePackage(relDir string) {
	data, err := os.ReadFile(filepath.Join(r.repoRoot, filepath.FromSlash(relDir), "package.json"))
	if err != nil {
		return
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil || pkg.Name == "" {
		return
	}

	ws := &tsWorkspace{dir: relDir, subpathExports: make(map[string]string)}
	r.parseExports(ws, pkg.Exports)

	if ws.mainFile == "" && pkg.Main != "" {
		if resolved, ok := r.matchFile(path.Join(relDir, pkg.Main), tsExtensions); ok {
			ws.mainFile = resolved
		}
	}
	if ws.mainFile == "" {
		for _, try := range []string{path.Join(relDir, "src", "index"), path.Join(relDir, "index")} {
			if resolved, ok := r.matchFile(try, tsExtensions); ok {
				ws.mainFile = resolved
				break
			}
		}
	}
	r.tsWorkspaces[pkg.Name] = ws
}

func (r *ImportResolver) parseExports(ws *tsWorkspace, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	// "exports": "./src/index.ts"
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if matched, ok := r.matchFile(path.Join(ws.dir, str), tsExtensions); ok {
			ws.mainFile = matched
		}
		return
	}
	// "exports": {".": "./src/index.ts", "./queries": "./src/queries.ts"}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return
	}
	for key, val := range obj {
		target := resolveExportValue(val)
		if target == "" {
			continue
		}
		finalPath, ok := r.matchFile(path.Join(ws.dir, target), tsExtensions)
		if !ok {
			continue
		}
		if key == "." {
			ws.mainFile = finalPath
		} else {
			ws.subpathExports[key] = finalPath
		}
	}
}

// resolveExportValue extracts a file path from an export value: a string or
// a conditional object preferring "import", then "default", then "require".
func resolveExportValue(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"import", "default", "require"} {
		if v, ok := obj[key]; ok {
			return resolveExportValue(v)
		}
	}
	return ""
}

func (r *ImportResolver) scanGoMod() {
	data, err := os.ReadFile(filepath.Join(r.repoRoot, "go.mod"))
	if err != nil {
		return
	}
	r.goModPath = modfile.ModulePath(data)
}
