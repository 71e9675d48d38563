// Package lang defines the language plugin contract and the per-language
// extractors that turn one source file into candidate entities and
// unresolved references. Plugins never look at other files.
package lang

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/dusk-indust/codegraph/internal/graph"
)

var (
	// ErrUnsupportedLanguage is returned by Lookup for an unknown language id.
	ErrUnsupportedLanguage = errors.New("lang: unsupported language")

	// ErrSyntax marks a file the plugin could not make sense of.
	ErrSyntax = errors.New("lang: syntax error")
)

// Plugin extracts local structure from single files of one language.
// Implementations must be safe for concurrent Parse calls.
type Plugin interface {
	// Name returns the canonical language id (the Language node name).
	Name() string
	// Handles reports whether the plugin parses the given repo-relative path.
	Handles(path string) bool
	// Parse extracts candidate entities and references from src.
	Parse(ctx context.Context, path string, src []byte) (*FileResult, error)
}

// RefKind classifies an unresolved reference.
type RefKind string

const (
	RefCall    RefKind = "call"    // call expression or JSX element usage
	RefImport  RefKind = "import"  // one imported name, or a whole-module import
	RefType    RefKind = "type"    // type annotation naming a model or class
	RefRequest RefKind = "request" // HTTP route declaration or client call
	RefPage    RefKind = "page"    // UI route declaration
)

// Reference metadata keys, in addition to graph.Meta* keys.
const (
	MetaImported  = "imported"  // exported name in the source module ("default", "*")
	MetaAlias     = "alias"     // local binding for a whole-module import
	MetaRole      = "role"      // RefRequest: RoleRoute or RoleClient
	MetaHandler   = "handler"   // RefRequest route: handler function name
	MetaComponent = "component" // RefPage: rendered component name
	MetaJSX       = "jsx"       // RefCall: "true" when from a JSX element
	MetaReturns   = "returns"   // RefRequest client: response model name
)

// Request roles.
const (
	RoleRoute  = "route"
	RoleClient = "client"
)

// Reference is an unresolved pointer extracted from one file.
type Reference struct {
	Kind RefKind
	// Name is the identifier being referenced: callee, imported local name,
	// type name or route string.
	Name string
	// Receiver qualifies Name ("fmt" in fmt.Println, "this" in this.save()).
	Receiver string
	// Enclosing is the index into FileResult.Entities of the innermost
	// enclosing entity, or -1 at file level.
	Enclosing int
	Line      int // 1-based
	Column    int // 0-based
	Text      string
	Meta      map[string]string
}

// FileResult is the output of Plugin.Parse for one file.
type FileResult struct {
	Path string
	// Module is the visibility scope shared by several files (Go package
	// directory, Kotlin package, Swift target). Empty when the language has
	// none.
	Module string
	// DefaultExport names the entity bound to a module's default export.
	DefaultExport string
	Entities      []graph.Candidate
	References    []Reference
}

func (r *FileResult) addEntity(c graph.Candidate) int {
	c.File = r.Path
	r.Entities = append(r.Entities, c)
	return len(r.Entities) - 1
}

func (r *FileResult) addRef(ref Reference) {
	if ref.Name == "" {
		return
	}
	r.References = append(r.References, ref)
}

// Imports returns the import references in source order.
func (r *FileResult) Imports() []Reference {
	var out []Reference
	for _, ref := range r.References {
		if ref.Kind == RefImport {
			out = append(out, ref)
		}
	}
	return out
}

// Family groups languages that share import resolution rules.
type Family string

const (
	FamilyJS     Family = "js"
	FamilyGo     Family = "go"
	FamilyPython Family = "python"
	FamilyRust   Family = "rust"
	FamilyKotlin Family = "kotlin"
	FamilySwift  Family = "swift"
)

// Language describes one supported language id.
type Language struct {
	ID          string
	Aliases     []string
	Family      Family
	PackageFile string // manifest that declares the project's libraries
	newPlugin   func() Plugin
}

// Plugin constructs the language's plugin.
func (l Language) Plugin() Plugin { return l.newPlugin() }

var registry = []Language{
	{ID: "react", Aliases: []string{"tsx", "jsx"}, Family: FamilyJS, PackageFile: "package.json",
		newPlugin: func() Plugin { return newJSPlugin("react", jsxDialects) }},
	{ID: "typescript", Aliases: []string{"ts"}, Family: FamilyJS, PackageFile: "package.json",
		newPlugin: func() Plugin { return newJSPlugin("typescript", tsDialects) }},
	{ID: "javascript", Aliases: []string{"js", "node"}, Family: FamilyJS, PackageFile: "package.json",
		newPlugin: func() Plugin { return newJSPlugin("javascript", jsDialects) }},
	{ID: "go", Aliases: []string{"golang"}, Family: FamilyGo, PackageFile: "go.mod",
		newPlugin: func() Plugin { return newGoPlugin() }},
	{ID: "python", Aliases: []string{"py"}, Family: FamilyPython, PackageFile: "requirements.txt",
		newPlugin: func() Plugin { return newPythonPlugin() }},
	{ID: "rust", Aliases: []string{"rs"}, Family: FamilyRust, PackageFile: "Cargo.toml",
		newPlugin: func() Plugin { return newRustPlugin() }},
	{ID: "kotlin", Aliases: []string{"kt"}, Family: FamilyKotlin, PackageFile: "build.gradle.kts",
		newPlugin: func() Plugin { return newKotlinPlugin() }},
	{ID: "swift", Family: FamilySwift, PackageFile: "Package.swift",
		newPlugin: func() Plugin { return newSwiftPlugin() }},
}

// Lookup returns the language registered under id or one of its aliases.
func Lookup(id string) (Language, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, l := range registry {
		if l.ID == id {
			return l, nil
		}
		for _, a := range l.Aliases {
			if a == id {
				return l, nil
			}
		}
	}
	return Language{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, id)
}

// IDs returns the canonical ids of every supported language, sorted.
func IDs() []string {
	out := make([]string, 0, len(registry))
	for _, l := range registry {
		out = append(out, l.ID)
	}
	sort.Strings(out)
	return out
}

func hasExt(p string, exts ...string) bool {
	ext := strings.ToLower(path.Ext(p))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
