package lang

import (
	"strings"

	"github.com/dusk-indust/codegraph/internal/graph"
)

var httpVerbs = map[string]string{
	"get":     "GET",
	"post":    "POST",
	"put":     "PUT",
	"patch":   "PATCH",
	"delete":  "DELETE",
	"del":     "DELETE",
	"head":    "HEAD",
	"options": "OPTIONS",
	"all":     "ANY",
	"any":     "ANY",
}

// verbOf maps a method or annotation name (get, GET, GetMapping) to an
// HTTP verb.
func verbOf(name string) (string, bool) {
	lower := strings.TrimSuffix(strings.ToLower(name), "mapping")
	v, ok := httpVerbs[lower]
	return v, ok
}

// looksLikeURL reports whether a string literal could be a request target.
func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "/") ||
		strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "${")
}

func requestMeta(role, verb, url string) map[string]string {
	return map[string]string{
		MetaRole:       role,
		graph.MetaVerb: verb,
		graph.MetaURL:  url,
	}
}
