package patterns

import (
	"regexp"
	"strings"
)

var (
	braceParam  = regexp.MustCompile(`\$\{([^}]*)\}`)
	dollarParam = regexp.MustCompile(`\$([A-Za-z_]\w*)`)
	word        = regexp.MustCompile(`\w+`)
)

// NormalizePath turns a request target as written in source into a route
// path: scheme and host are dropped, a leading template segment (a base URL
// constant) is dropped, interpolations become :params, and the query string
// and trailing slash go.
//
//	http://localhost:5002/people   -> /people
//	${API_URL}/person/${p.id}      -> /person/:id
//	$BASE/person/$id?full=1        -> /person/:id
//	people/                        -> /people
func NormalizePath(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "://"); i >= 0 {
		// "http:", "", "host", rest
		parts := strings.SplitN(s, "/", 4)
		if len(parts) < 4 {
			return "/"
		}
		s = parts[3]
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}

	first, rest, hasRest := strings.Cut(strings.TrimPrefix(s, "/"), "/")
	if isTemplate(first) {
		s = ""
		if hasRest {
			s = rest
		}
	}

	s = braceParam.ReplaceAllStringFunc(s, func(m string) string {
		inner := braceParam.FindStringSubmatch(m)[1]
		words := word.FindAllString(inner, -1)
		if len(words) == 0 {
			return ":param"
		}
		return ":" + words[len(words)-1]
	})
	s = dollarParam.ReplaceAllString(s, ":$1")

	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	s = strings.TrimSuffix(s, "/")
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}

// isTemplate reports whether a path segment is a single interpolation.
func isTemplate(seg string) bool {
	if strings.HasPrefix(seg, "${") {
		return strings.HasSuffix(seg, "}") && strings.Count(seg, "${") == 1
	}
	return dollarParam.FindString(seg) == seg && seg != ""
}
