package lang

import (
	"context"
	"path"
	"regexp"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_rust "github.com/tree-sitter/tree-sitter-rust/bindings/go"

	"github.com/dusk-indust/codegraph/internal/graph"
)

// rsPlugin handles Rust sources and Cargo.toml manifests.
type rsPlugin struct {
	grammar *tree_sitter.Language
}

func newRustPlugin() *rsPlugin {
	return &rsPlugin{grammar: tree_sitter.NewLanguage(tree_sitter_rust.Language())}
}

func (p *rsPlugin) Name() string { return "rust" }

func (p *rsPlugin) Handles(file string) bool {
	return path.Base(file) == "Cargo.toml" || hasExt(file, ".rs")
}

func (p *rsPlugin) Parse(_ context.Context, file string, src []byte) (*FileResult, error) {
	if path.Base(file) == "Cargo.toml" {
		return parseCargoToml(file, src)
	}
	tree, err := parseTree(p.grammar, file, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	x := &rsExtractor{scope: newScope(file), src: src}
	x.visit(tree.RootNode())
	return x.res, nil
}

type rsExtractor struct {
	*scope
	src []byte
}

// children visits the children of n in order, handing attributes such as
// #[get("/x")] to the item that follows them.
func (x *rsExtractor) children(n *tree_sitter.Node) {
	var attrs []*tree_sitter.Node
	eachChild(n, func(c *tree_sitter.Node) {
		switch c.Kind() {
		case "attribute_item":
			attrs = append(attrs, c)
			return
		case "line_comment", "block_comment":
			return
		case "function_item":
			x.function(c, attrs)
		default:
			x.visit(c)
		}
		attrs = nil
	})
}

func (x *rsExtractor) visit(n *tree_sitter.Node) {
	switch n.Kind() {
	case "use_declaration":
		x.use(n)
		return

	case "function_item":
		x.function(n, nil)
		return

	case "struct_item":
		x.structItem(n)
		return

	case "trait_item":
		name := fieldText(n, "name", x.src)
		if name == "" {
			break
		}
		idx := x.res.addEntity(graph.Candidate{
			Kind:      graph.NodeClass,
			Name:      name,
			StartLine: startLine(n),
			EndLine:   endLine(n),
			Meta:      rsExportMeta(n, map[string]string{graph.MetaStyle: "trait"}),
		})
		x.inClass(idx, name, func() { x.children(n) })
		return

	case "impl_item":
		// Methods inside the impl belong to the implementing type.
		typeName := rsBaseType(n.ChildByFieldName("type"), x.src)
		x.classes = append(x.classes, typeName)
		x.children(n)
		x.classes = x.classes[:len(x.classes)-1]
		return

	case "call_expression":
		if x.call(n) {
			return
		}

	case "scoped_type_identifier":
		x.ref(RefType, n, fieldText(n, "name", x.src), fieldText(n, "path", x.src), "", nil)
		return

	case "type_identifier":
		if p := n.Parent(); p != nil {
			if nameNode := p.ChildByFieldName("name"); nameNode != nil && nameNode.StartByte() == n.StartByte() {
				break
			}
		}
		x.ref(RefType, n, text(n, x.src), "", "", nil)
	}
	x.children(n)
}

func (x *rsExtractor) function(n *tree_sitter.Node, attrs []*tree_sitter.Node) {
	name := fieldText(n, "name", x.src)
	if name == "" {
		x.children(n)
		return
	}
	idx := x.res.addEntity(graph.Candidate{
		Kind:      graph.NodeFunction,
		Name:      name,
		Parent:    x.class(),
		StartLine: startLine(n),
		EndLine:   endLine(n),
		Meta:      rsExportMeta(n, nil),
	})
	x.within(idx, func() {
		for _, a := range attrs {
			x.routeAttribute(a, name)
		}
		// Nested items are not methods of the enclosing impl.
		x.classes = append(x.classes, "")
		x.children(n)
		x.classes = x.classes[:len(x.classes)-1]
	})
}

var rsRouteAttr = regexp.MustCompile(`^#\[\s*(get|post|put|patch|delete|head|options)\s*\(\s*"([^"]+)"`)

// routeAttribute records actix/rocket attributes such as #[get("/people")].
func (x *rsExtractor) routeAttribute(a *tree_sitter.Node, handler string) {
	m := rsRouteAttr.FindStringSubmatch(text(a, x.src))
	if m == nil {
		return
	}
	verb, _ := verbOf(m[1])
	meta := requestMeta(RoleRoute, verb, m[2])
	meta[MetaHandler] = handler
	x.ref(RefRequest, a, m[2], "", "#["+m[1]+"]", meta)
}

func (x *rsExtractor) structItem(n *tree_sitter.Node) {
	name := fieldText(n, "name", x.src)
	if name == "" {
		return
	}
	var fields []string
	body := n.ChildByFieldName("body")
	if body != nil {
		for _, f := range namedChildren(body) {
			if f.Kind() == "field_declaration" {
				if fn := fieldText(f, "name", x.src); fn != "" {
					fields = append(fields, fn)
				}
			}
		}
	}
	idx := x.res.addEntity(graph.Candidate{
		Kind:      graph.NodeDataModel,
		Name:      name,
		StartLine: startLine(n),
		EndLine:   endLine(n),
		Meta:      rsExportMeta(n, map[string]string{graph.MetaFields: strings.Join(fields, ",")}),
	})
	if body != nil {
		x.within(idx, func() { x.children(body) })
	}
}

// rsBaseType strips references and generics: &mut Repo<T> -> Repo.
func rsBaseType(n *tree_sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	switch n.Kind() {
	case "type_identifier":
		return text(n, src)
	case "generic_type":
		return rsBaseType(n.ChildByFieldName("type"), src)
	case "scoped_type_identifier":
		return fieldText(n, "name", src)
	case "reference_type":
		return rsBaseType(n.ChildByFieldName("type"), src)
	}
	return text(n, src)
}

func (x *rsExtractor) use(n *tree_sitter.Node) {
	arg := n.ChildByFieldName("argument")
	if arg == nil {
		return
	}
	for _, u := range expandUse(text(arg, x.src)) {
		meta := map[string]string{graph.MetaSource: u.source, MetaImported: u.imported}
		// Globs bring every item into scope; self and crate imports bind a name.
		if u.imported == "*" && u.local != u.source {
			meta[MetaAlias] = u.local
		}
		x.ref(RefImport, n, u.local, "", "", meta)
	}
}

var rsUseAlias = regexp.MustCompile(`\s+as\s+`)

type rsUse struct {
	source   string // module path: crate::model
	imported string // item name, "*" for globs and whole modules
	local    string
}

// expandUse flattens a use tree: "crate::model::{User, repo::Repo as R}"
// yields (crate::model, User, User) and (crate::model::repo, Repo, R).
func expandUse(tree string) []rsUse {
	tree = rsUseAlias.ReplaceAllString(tree, "@")
	tree = strings.Join(strings.Fields(tree), "")
	return expandUseAt("", tree)
}

func expandUseAt(prefix, tree string) []rsUse {
	join := func(a, b string) string {
		if a == "" {
			return b
		}
		if b == "" {
			return a
		}
		return a + "::" + b
	}
	if i := strings.Index(tree, "::{"); i >= 0 && strings.HasSuffix(tree, "}") {
		base := join(prefix, tree[:i])
		var out []rsUse
		for _, part := range splitTopLevel(tree[i+3 : len(tree)-1]) {
			out = append(out, expandUseAt(base, part)...)
		}
		return out
	}
	if strings.HasPrefix(tree, "{") && strings.HasSuffix(tree, "}") {
		var out []rsUse
		for _, part := range splitTopLevel(tree[1 : len(tree)-1]) {
			out = append(out, expandUseAt(prefix, part)...)
		}
		return out
	}
	local := ""
	if i := strings.IndexByte(tree, '@'); i >= 0 {
		tree, local = tree[:i], tree[i+1:]
	}
	full := join(prefix, tree)
	if strings.HasSuffix(full, "::*") {
		source := strings.TrimSuffix(full, "::*")
		return []rsUse{{source: source, imported: "*", local: source}}
	}
	if full == "self" || strings.HasSuffix(full, "::self") {
		source := strings.TrimSuffix(full, "::self")
		return []rsUse{{source: source, imported: "*", local: lastSegment(source)}}
	}
	item := lastSegment(full)
	source := strings.TrimSuffix(strings.TrimSuffix(full, item), "::")
	if local == "" {
		local = item
	}
	if source == "" {
		// use serde; binds a whole crate.
		return []rsUse{{source: item, imported: "*", local: item}}
	}
	return []rsUse{{source: source, imported: item, local: local}}
}

func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				if part := s[start:i]; part != "" {
					out = append(out, part)
				}
				start = i + 1
			}
		}
	}
	if part := s[start:]; part != "" {
		out = append(out, part)
	}
	return out
}

func lastSegment(p string) string {
	if i := strings.LastIndex(p, "::"); i >= 0 {
		return p[i+2:]
	}
	return p
}

// Receivers whose verb methods are HTTP client calls (reqwest).
var rsClientReceivers = map[string]bool{"reqwest": true, "client": true, "self.client": true, "http": true}

func (x *rsExtractor) call(n *tree_sitter.Node) bool {
	fn := n.ChildByFieldName("function")
	args := n.ChildByFieldName("arguments")
	if fn == nil {
		return false
	}
	switch fn.Kind() {
	case "identifier":
		name := text(fn, x.src)
		x.ref(RefCall, n, name, "", name, nil)

	case "scoped_identifier":
		name := fieldText(fn, "name", x.src)
		receiver := fieldText(fn, "path", x.src)
		if x.clientCall(n, args, receiver, name) {
			return false
		}
		x.ref(RefCall, n, name, receiver, text(fn, x.src), nil)

	case "field_expression":
		name := fieldText(fn, "field", x.src)
		value := fn.ChildByFieldName("value")
		receiver := "?"
		if value != nil {
			switch value.Kind() {
			case "identifier", "self":
				receiver = text(value, x.src)
			case "field_expression":
				if v := value.ChildByFieldName("value"); v != nil && v.Kind() == "self" {
					receiver = text(value, x.src)
				}
			}
		}
		if name == "route" && x.axumRoute(n, args, receiver) {
			return false
		}
		if x.clientCall(n, args, receiver, name) {
			return false
		}
		x.ref(RefCall, n, name, receiver, text(fn, x.src), nil)
	}
	return false
}

func (x *rsExtractor) clientCall(n, args *tree_sitter.Node, receiver, name string) bool {
	verb, ok := verbOf(name)
	if !ok || !rsClientReceivers[receiver] {
		return false
	}
	url := rsStringArg(args, 0, x.src)
	if url == "" || !looksLikeURL(url) {
		return false
	}
	x.ref(RefRequest, n, url, receiver, receiver+"::"+name, requestMeta(RoleClient, verb, url))
	return true
}

// axumRoute records Router::new().route("/x", get(handler).post(other)).
func (x *rsExtractor) axumRoute(n, args *tree_sitter.Node, receiver string) bool {
	route := rsStringArg(args, 0, x.src)
	if route == "" || !strings.HasPrefix(route, "/") {
		return false
	}
	argv := namedChildren(args)
	if len(argv) < 2 {
		return false
	}
	found := false
	var walk func(*tree_sitter.Node)
	walk = func(c *tree_sitter.Node) {
		if c.Kind() == "call_expression" {
			fn := c.ChildByFieldName("function")
			var method string
			if fn != nil {
				switch fn.Kind() {
				case "identifier":
					method = text(fn, x.src)
				case "field_expression":
					method = fieldText(fn, "field", x.src)
					walk(fn.ChildByFieldName("value"))
				}
			}
			if verb, ok := verbOf(method); ok {
				meta := requestMeta(RoleRoute, verb, route)
				if h := namedChildren(c.ChildByFieldName("arguments")); len(h) > 0 && h[0].Kind() == "identifier" {
					meta[MetaHandler] = text(h[0], x.src)
				}
				x.ref(RefRequest, n, route, receiver, ".route", meta)
				found = true
			}
		}
	}
	walk(argv[1])
	return found
}

func rsStringArg(args *tree_sitter.Node, i int, src []byte) string {
	if args == nil {
		return ""
	}
	argv := namedChildren(args)
	if i >= len(argv) || argv[i].Kind() != "string_literal" {
		return ""
	}
	return unquote(text(argv[i], src))
}

// rsExportMeta marks items with a visibility modifier as exported.
func rsExportMeta(n *tree_sitter.Node, meta map[string]string) map[string]string {
	if firstChildOfKind(n, "visibility_modifier") == nil {
		return meta
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta[graph.MetaExported] = "true"
	return meta
}
