package lang

import (
	"context"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"

	"github.com/dusk-indust/codegraph/internal/graph"
)

// goPlugin handles Go sources and go.mod manifests. Files of one package
// directory share a module scope.
type goPlugin struct {
	grammar *tree_sitter.Language
}

func newGoPlugin() *goPlugin {
	return &goPlugin{grammar: tree_sitter.NewLanguage(tree_sitter_go.Language())}
}

func (p *goPlugin) Name() string { return "go" }

func (p *goPlugin) Handles(file string) bool {
	return path.Base(file) == "go.mod" || hasExt(file, ".go")
}

func (p *goPlugin) Parse(_ context.Context, file string, src []byte) (*FileResult, error) {
	if path.Base(file) == "go.mod" {
		return parseGoMod(file, src)
	}
	tree, err := parseTree(p.grammar, file, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	x := &goExtractor{scope: newScope(file), src: src}
	x.res.Module = path.Dir(file)
	x.visit(tree.RootNode())
	return x.res, nil
}

type goExtractor struct {
	*scope
	src []byte
}

func (x *goExtractor) children(n *tree_sitter.Node) {
	eachChild(n, x.visit)
}

func (x *goExtractor) visit(n *tree_sitter.Node) {
	switch n.Kind() {
	case "import_spec":
		x.importSpec(n)
		return

	case "function_declaration":
		if idx, ok := x.function(n, ""); ok {
			x.within(idx, func() { x.children(n) })
			return
		}

	case "method_declaration":
		if idx, ok := x.function(n, goReceiverType(n, x.src)); ok {
			x.within(idx, func() { x.children(n) })
			return
		}

	case "type_spec":
		x.typeSpec(n)
		return

	case "call_expression":
		x.call(n)

	case "qualified_type":
		x.ref(RefType, n, fieldText(n, "name", x.src), fieldText(n, "package", x.src), "", nil)
		return

	case "type_identifier":
		x.ref(RefType, n, text(n, x.src), "", "", nil)
	}
	x.children(n)
}

func (x *goExtractor) function(n *tree_sitter.Node, receiver string) (int, bool) {
	name := fieldText(n, "name", x.src)
	if name == "" {
		return 0, false
	}
	var meta map[string]string
	if isGoExported(name) {
		meta = map[string]string{graph.MetaExported: "true"}
	}
	return x.res.addEntity(graph.Candidate{
		Kind:      graph.NodeFunction,
		Name:      name,
		Parent:    receiver,
		StartLine: startLine(n),
		EndLine:   endLine(n),
		Meta:      meta,
	}), true
}

// goReceiverType returns the base type name of a method receiver:
// "Store" for (s *Store) and (s Store[T]).
func goReceiverType(n *tree_sitter.Node, src []byte) string {
	recv := n.ChildByFieldName("receiver")
	if recv == nil {
		return ""
	}
	var name string
	var find func(*tree_sitter.Node)
	find = func(c *tree_sitter.Node) {
		if name != "" {
			return
		}
		if c.Kind() == "type_identifier" {
			name = text(c, src)
			return
		}
		eachChild(c, find)
	}
	find(recv)
	return name
}

func (x *goExtractor) typeSpec(n *tree_sitter.Node) {
	name := fieldText(n, "name", x.src)
	typ := n.ChildByFieldName("type")
	if name == "" || typ == nil {
		return
	}
	meta := map[string]string{}
	if isGoExported(name) {
		meta[graph.MetaExported] = "true"
	}
	c := graph.Candidate{Name: name, StartLine: startLine(n), EndLine: endLine(n), Meta: meta}
	switch typ.Kind() {
	case "struct_type":
		c.Kind = graph.NodeDataModel
		var fields []string
		if list := firstChildOfKind(typ, "field_declaration_list"); list != nil {
			for _, fd := range namedChildren(list) {
				if fd.Kind() != "field_declaration" {
					continue
				}
				eachChild(fd, func(f *tree_sitter.Node) {
					if f.Kind() == "field_identifier" {
						fields = append(fields, text(f, x.src))
					}
				})
			}
		}
		meta[graph.MetaFields] = strings.Join(fields, ",")
	case "interface_type":
		c.Kind = graph.NodeClass
		meta[graph.MetaStyle] = "interface"
	default:
		return
	}
	idx := x.res.addEntity(c)
	// Field types reference other models.
	x.within(idx, func() { x.children(typ) })
}

func (x *goExtractor) importSpec(n *tree_sitter.Node) {
	pathNode := n.ChildByFieldName("path")
	if pathNode == nil {
		pathNode = firstChildOfKind(n, "interpreted_string_literal", "raw_string_literal")
	}
	spec := unquote(text(pathNode, x.src))
	if spec == "" {
		return
	}
	alias := fieldText(n, "name", x.src)
	if alias == "" || alias == "." {
		alias = path.Base(spec)
	}
	if alias == "_" {
		x.ref(RefImport, n, spec, "", "", map[string]string{graph.MetaSource: spec})
		return
	}
	x.ref(RefImport, n, alias, "", "", map[string]string{
		graph.MetaSource: spec,
		MetaImported:     "*",
		MetaAlias:        alias,
	})
}

// Methods of net/http, gin, echo and chi that register handlers.
var goRouteMethods = map[string]bool{"HandleFunc": true, "Handle": true}

func (x *goExtractor) call(n *tree_sitter.Node) {
	fn := n.ChildByFieldName("function")
	args := n.ChildByFieldName("arguments")
	if fn == nil {
		return
	}
	switch fn.Kind() {
	case "identifier":
		name := text(fn, x.src)
		x.ref(RefCall, n, name, "", name, nil)

	case "selector_expression":
		field := fieldText(fn, "field", x.src)
		operand := fn.ChildByFieldName("operand")
		receiver := "?"
		if operand != nil && operand.Kind() == "identifier" {
			receiver = text(operand, x.src)
		}
		if x.request(n, args, receiver, field) {
			return
		}
		x.ref(RefCall, n, field, receiver, text(fn, x.src), nil)
	}
}

// request recognizes handler registrations (mux.HandleFunc("GET /x", h),
// r.GET("/x", h)) and client calls (http.Get(url), http.NewRequest(verb, url, body)).
func (x *goExtractor) request(n, args *tree_sitter.Node, receiver, field string) bool {
	if args == nil {
		return false
	}
	argv := namedChildren(args)
	if len(argv) == 0 {
		return false
	}
	first := goString(argv[0], x.src)

	if receiver == "http" {
		switch field {
		case "Get", "Head", "Post", "PostForm":
			if first == "" {
				return false
			}
			verb, _ := verbOf(strings.TrimSuffix(field, "Form"))
			x.ref(RefRequest, n, first, receiver, "http."+field, requestMeta(RoleClient, verb, first))
			return true
		case "NewRequest", "NewRequestWithContext":
			i := 0
			if field == "NewRequestWithContext" {
				i = 1
			}
			if len(argv) < i+2 {
				return false
			}
			verb := strings.ToUpper(goString(argv[i], x.src))
			if v := goHTTPConst(argv[i], x.src); v != "" {
				verb = v
			}
			url := goString(argv[i+1], x.src)
			if verb == "" || url == "" {
				return false
			}
			x.ref(RefRequest, n, url, receiver, "http."+field, requestMeta(RoleClient, verb, url))
			return true
		}
	}

	verb, isVerb := verbOf(field)
	if !isVerb && !goRouteMethods[field] {
		return false
	}
	if first == "" || len(argv) < 2 {
		return false
	}
	route := first
	if !isVerb {
		verb = "ANY"
		// Go 1.22 patterns carry the method: "POST /items/{id}".
		if sp := strings.IndexByte(first, ' '); sp > 0 {
			if v, ok := verbOf(first[:sp]); ok {
				verb, route = v, strings.TrimSpace(first[sp+1:])
			}
		}
	}
	if !strings.HasPrefix(route, "/") {
		return false
	}
	meta := requestMeta(RoleRoute, verb, route)
	switch h := argv[len(argv)-1]; h.Kind() {
	case "identifier":
		meta[MetaHandler] = text(h, x.src)
	case "selector_expression":
		meta[MetaHandler] = fieldText(h, "field", x.src)
	}
	x.ref(RefRequest, n, route, receiver, receiver+"."+field, meta)
	return true
}

func goString(n *tree_sitter.Node, src []byte) string {
	switch n.Kind() {
	case "interpreted_string_literal", "raw_string_literal":
		return unquote(text(n, src))
	}
	return ""
}

// goHTTPConst maps http.MethodPost and friends to their verb.
func goHTTPConst(n *tree_sitter.Node, src []byte) string {
	if n.Kind() != "selector_expression" {
		return ""
	}
	name := fieldText(n, "field", src)
	if !strings.HasPrefix(name, "Method") {
		return ""
	}
	v, _ := verbOf(strings.TrimPrefix(name, "Method"))
	return v
}

// isGoExported returns true if the first rune of name is an uppercase letter.
func isGoExported(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(r)
}
