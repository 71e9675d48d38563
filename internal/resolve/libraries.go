package resolve

import (
	"sort"
	"strings"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/lang"
)

// Libraries matches import specifiers against the Library nodes declared
// by the project's package files.
type Libraries struct {
	family lang.Family
	libs   []graph.Node
}

// NewLibraries indexes Library nodes. Longer names are tried first so that
// "react-dom" wins over "react" for "react-dom/client".
func NewLibraries(family lang.Family, nodes []graph.Node) *Libraries {
	var libs []graph.Node
	for _, n := range nodes {
		if n.Kind == graph.NodeLibrary {
			libs = append(libs, n)
		}
	}
	sort.Slice(libs, func(i, j int) bool {
		if len(libs[i].Name) != len(libs[j].Name) {
			return len(libs[i].Name) > len(libs[j].Name)
		}
		return libs[i].ID < libs[j].ID
	})
	return &Libraries{family: family, libs: libs}
}

// Match returns the identity of the library that provides spec.
func (l *Libraries) Match(spec string) (string, bool) {
	if spec == "" {
		return "", false
	}
	for _, lib := range l.libs {
		if libraryProvides(l.family, lib.Name, spec) {
			return lib.ID, true
		}
	}
	return "", false
}

func libraryProvides(family lang.Family, name, spec string) bool {
	switch family {
	case lang.FamilyJS, lang.FamilyGo:
		return spec == name || strings.HasPrefix(spec, name+"/")
	case lang.FamilyPython:
		return pyDistName(name) == pyDistName(firstSegment(spec, "."))
	case lang.FamilyRust:
		return pyDistName(name) == firstSegment(spec, "::")
	case lang.FamilySwift:
		// name is the package name; imports name its products, which
		// usually share it.
		return strings.EqualFold(spec, name)
	case lang.FamilyKotlin:
		// name is group:artifact; imports are package names.
		group := name
		if i := strings.IndexByte(name, ':'); i >= 0 {
			group = name[:i]
		}
		if spec == group || strings.HasPrefix(spec, group+".") {
			return true
		}
		last := group
		if i := strings.LastIndexByte(group, '.'); i >= 0 {
			last = group[i+1:]
		}
		return firstSegment(spec, ".") == last
	}
	return false
}

func firstSegment(s, sep string) string {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i]
	}
	return s
}

// pyDistName normalizes distribution names: python-dateutil and
// python_dateutil compare equal, as do serde-json and serde_json.
func pyDistName(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "-", "_")
}
