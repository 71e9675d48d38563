package lang

import (
	"context"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"

	"github.com/dusk-indust/codegraph/internal/graph"
)

// Source extensions per JS-family language id.
var (
	jsxDialects = []string{".tsx", ".ts", ".jsx", ".js", ".mjs", ".cjs"}
	tsDialects  = []string{".ts", ".tsx", ".mts", ".cts"}
	jsDialects  = []string{".js", ".jsx", ".mjs", ".cjs"}
)

// Receivers whose verb methods (app.get, router.post) declare routes.
var serverReceivers = map[string]bool{
	"app": true, "router": true, "server": true, "route": true, "routes": true,
	"fastify": true, "express": true, "r": true,
}

// jsPlugin handles TypeScript, TSX, JavaScript and JSX sources plus
// package.json manifests.
type jsPlugin struct {
	name     string
	grammars map[string]*tree_sitter.Language
}

func newJSPlugin(name string, exts []string) *jsPlugin {
	p := &jsPlugin{name: name, grammars: make(map[string]*tree_sitter.Language, len(exts))}
	for _, ext := range exts {
		switch ext {
		case ".tsx":
			p.grammars[ext] = tree_sitter.NewLanguage(tree_sitter_typescript.LanguageTSX())
		case ".ts", ".mts", ".cts":
			p.grammars[ext] = tree_sitter.NewLanguage(tree_sitter_typescript.LanguageTypescript())
		default:
			p.grammars[ext] = tree_sitter.NewLanguage(tree_sitter_javascript.Language())
		}
	}
	return p
}

func (p *jsPlugin) Name() string { return p.name }

func (p *jsPlugin) Handles(file string) bool {
	if path.Base(file) == "package.json" {
		return true
	}
	_, ok := p.grammars[strings.ToLower(path.Ext(file))]
	return ok
}

func (p *jsPlugin) Parse(_ context.Context, file string, src []byte) (*FileResult, error) {
	if path.Base(file) == "package.json" {
		return parsePackageJSON(file, src)
	}
	grammar, ok := p.grammars[strings.ToLower(path.Ext(file))]
	if !ok {
		return nil, ErrUnsupportedLanguage
	}
	tree, err := parseTree(grammar, file, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	x := &jsExtractor{scope: newScope(file), src: src}
	x.visit(tree.RootNode())
	return x.res, nil
}

type jsExtractor struct {
	*scope
	src []byte
}

func (x *jsExtractor) children(n *tree_sitter.Node) {
	eachChild(n, x.visit)
}

func (x *jsExtractor) visit(n *tree_sitter.Node) {
	switch n.Kind() {
	case "import_statement":
		x.importStatement(n)
		return

	case "export_statement":
		x.exportStatement(n)

	case "function_declaration", "generator_function_declaration":
		name := fieldText(n, "name", x.src)
		if name == "" {
			break
		}
		idx := x.function(n, n, name, nil)
		x.within(idx, func() { x.children(n) })
		return

	case "class_declaration", "abstract_class_declaration":
		name := fieldText(n, "name", x.src)
		if name == "" {
			break
		}
		idx := x.res.addEntity(graph.Candidate{
			Kind:      graph.NodeClass,
			Name:      name,
			StartLine: startLine(n),
			EndLine:   endLine(n),
			Meta:      exportMeta(n, x.res, name),
		})
		x.inClass(idx, name, func() { x.children(n) })
		return

	case "method_definition":
		name := fieldText(n, "name", x.src)
		if name == "" {
			break
		}
		idx := x.res.addEntity(graph.Candidate{
			Kind:      graph.NodeFunction,
			Name:      name,
			Parent:    x.class(),
			StartLine: startLine(n),
			EndLine:   endLine(n),
		})
		x.within(idx, func() { x.children(n) })
		return

	case "variable_declarator":
		x.declarator(n)
		return

	case "interface_declaration":
		x.model(n, n.ChildByFieldName("body"))
		return

	case "type_alias_declaration":
		if v := n.ChildByFieldName("value"); v != nil && v.Kind() == "object_type" {
			x.model(n, v)
			return
		}

	case "call_expression":
		if x.call(n) {
			return
		}

	case "new_expression":
		if c := n.ChildByFieldName("constructor"); c != nil && c.Kind() == "identifier" {
			x.ref(RefCall, n, text(c, x.src), "", "new "+text(c, x.src), nil)
		}

	case "jsx_element":
		if open := firstChildOfKind(n, "jsx_opening_element"); open != nil {
			x.jsx(open)
		}

	case "jsx_self_closing_element":
		x.jsx(n)

	case "type_identifier":
		x.typeRef(n)
	}
	x.children(n)
}

// function records a Function entity. decl supplies the span, stmt is the
// node whose parent decides export status.
func (x *jsExtractor) function(decl, stmt *tree_sitter.Node, name string, meta map[string]string) int {
	m := exportMeta(stmt, x.res, name)
	for k, v := range meta {
		if m == nil {
			m = map[string]string{}
		}
		m[k] = v
	}
	return x.res.addEntity(graph.Candidate{
		Kind:      graph.NodeFunction,
		Name:      name,
		StartLine: startLine(decl),
		EndLine:   endLine(decl),
		Meta:      m,
	})
}

// exportMeta marks declarations under an export statement. A default export
// also names the file's default binding.
func exportMeta(n *tree_sitter.Node, res *FileResult, name string) map[string]string {
	parent := n.Parent()
	if parent != nil && parent.Kind() == "lexical_declaration" {
		parent = parent.Parent()
	}
	if parent == nil || parent.Kind() != "export_statement" {
		return nil
	}
	if firstChildOfKind(parent, "default") != nil {
		res.DefaultExport = name
	}
	return map[string]string{graph.MetaExported: "true"}
}

func (x *jsExtractor) declarator(n *tree_sitter.Node) {
	nameNode := n.ChildByFieldName("name")
	value := n.ChildByFieldName("value")
	if nameNode == nil || nameNode.Kind() != "identifier" || value == nil {
		x.children(n)
		return
	}
	name := text(nameNode, x.src)

	switch value.Kind() {
	case "arrow_function", "function_expression", "function", "generator_function":
		idx := x.function(n, n, name, nil)
		x.within(idx, func() { x.children(n) })
		return

	case "call_expression":
		if tag, ok := styledTag(value, x.src); ok {
			x.function(n, n, name, map[string]string{graph.MetaStyle: tag})
			return
		}
		fn := value.ChildByFieldName("function")
		if fn != nil && text(fn, x.src) == "require" {
			if spec := stringArg(value.ChildByFieldName("arguments"), 0, x.src); spec != "" {
				x.ref(RefImport, n, name, "", "", map[string]string{
					graph.MetaSource: spec,
					MetaImported:     "*",
					MetaAlias:        name,
				})
				return
			}
		}
		if wrapsFunction(value) {
			idx := x.function(n, n, name, nil)
			x.within(idx, func() { x.children(n) })
			return
		}
	}
	x.children(n)
}

// styledTag recognizes styled-components declarations of the form
// styled.button`...` or styled(Base)`...`.
func styledTag(call *tree_sitter.Node, src []byte) (string, bool) {
	args := call.ChildByFieldName("arguments")
	if args == nil || args.Kind() != "template_string" {
		return "", false
	}
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return "", false
	}
	root := fn
	for root != nil {
		switch root.Kind() {
		case "member_expression":
			root = root.ChildByFieldName("object")
			continue
		case "call_expression":
			root = root.ChildByFieldName("function")
			continue
		}
		break
	}
	if root == nil || text(root, src) != "styled" {
		return "", false
	}
	return text(fn, src), true
}

// wrapsFunction reports whether a call has a function literal argument, as
// in React.memo(() => ...) or forwardRef(function (props, ref) {...}).
func wrapsFunction(call *tree_sitter.Node) bool {
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return false
	}
	for _, a := range namedChildren(args) {
		switch a.Kind() {
		case "arrow_function", "function_expression", "function":
			return true
		}
	}
	return false
}

func (x *jsExtractor) model(n, body *tree_sitter.Node) {
	name := fieldText(n, "name", x.src)
	if name == "" || body == nil {
		return
	}
	var fields []string
	for _, c := range namedChildren(body) {
		if c.Kind() == "property_signature" {
			if f := fieldText(c, "name", x.src); f != "" {
				fields = append(fields, f)
			}
		}
	}
	meta := exportMeta(n, x.res, name)
	if meta == nil {
		meta = map[string]string{}
	}
	meta[graph.MetaFields] = strings.Join(fields, ",")
	x.res.addEntity(graph.Candidate{
		Kind:      graph.NodeDataModel,
		Name:      name,
		StartLine: startLine(n),
		EndLine:   endLine(n),
		Meta:      meta,
	})
}

func (x *jsExtractor) importStatement(n *tree_sitter.Node) {
	srcNode := n.ChildByFieldName("source")
	if srcNode == nil {
		srcNode = firstChildOfKind(n, "string")
	}
	spec := unquote(text(srcNode, x.src))
	if spec == "" {
		return
	}
	clause := firstChildOfKind(n, "import_clause")
	if clause == nil {
		// Side-effect import: import "./styles.css".
		x.ref(RefImport, n, spec, "", "", map[string]string{graph.MetaSource: spec})
		return
	}
	eachChild(clause, func(c *tree_sitter.Node) {
		switch c.Kind() {
		case "identifier":
			x.importName(n, spec, text(c, x.src), "default")
		case "namespace_import":
			if id := firstChildOfKind(c, "identifier"); id != nil {
				local := text(id, x.src)
				x.ref(RefImport, n, local, "", "", map[string]string{
					graph.MetaSource: spec,
					MetaImported:     "*",
					MetaAlias:        local,
				})
			}
		case "named_imports":
			for _, s := range namedChildren(c) {
				if s.Kind() != "import_specifier" {
					continue
				}
				imported := fieldText(s, "name", x.src)
				local := fieldText(s, "alias", x.src)
				if local == "" {
					local = imported
				}
				x.importName(n, spec, local, imported)
			}
		}
	})
}

func (x *jsExtractor) importName(n *tree_sitter.Node, spec, local, imported string) {
	x.ref(RefImport, n, local, "", "", map[string]string{
		graph.MetaSource: spec,
		MetaImported:     imported,
	})
}

func (x *jsExtractor) exportStatement(n *tree_sitter.Node) {
	if v := n.ChildByFieldName("value"); v != nil && v.Kind() == "identifier" {
		x.res.DefaultExport = text(v, x.src)
	}
	srcNode := n.ChildByFieldName("source")
	if srcNode == nil {
		return
	}
	// Re-export: export { a, b as c } from "./x" or export * from "./x".
	spec := unquote(text(srcNode, x.src))
	clause := firstChildOfKind(n, "export_clause")
	if clause == nil {
		x.ref(RefImport, n, spec, "", "", map[string]string{graph.MetaSource: spec, MetaImported: "*"})
		return
	}
	for _, s := range namedChildren(clause) {
		if s.Kind() != "export_specifier" {
			continue
		}
		name := fieldText(s, "name", x.src)
		x.importName(n, spec, name, name)
	}
}

// call handles call expressions. It reports true when the call was fully
// consumed and its children need no further visiting.
func (x *jsExtractor) call(n *tree_sitter.Node) bool {
	fn := n.ChildByFieldName("function")
	args := n.ChildByFieldName("arguments")
	if fn == nil {
		return false
	}
	switch fn.Kind() {
	case "identifier":
		name := text(fn, x.src)
		switch name {
		case "fetch":
			x.fetch(n, args)
			return false
		case "require":
			if spec := stringArg(args, 0, x.src); spec != "" {
				x.ref(RefImport, n, spec, "", "", map[string]string{graph.MetaSource: spec})
			}
			return true
		}
		x.ref(RefCall, n, name, "", name, nil)

	case "member_expression":
		prop := fieldText(fn, "property", x.src)
		receiver := receiverOf(fn.ChildByFieldName("object"), x.src)
		if verb, ok := verbOf(prop); ok {
			if url := stringArg(args, 0, x.src); url != "" && looksLikeURL(url) {
				x.verbCall(n, args, receiver, verb, url)
				return false
			}
		}
		x.ref(RefCall, n, prop, receiver, text(fn, x.src), nil)
	}
	return false
}

// verbCall records app.get("/x", handler) as a route declaration and
// axios.get("/x") as a client request.
func (x *jsExtractor) verbCall(n, args *tree_sitter.Node, receiver, verb, url string) {
	argv := namedChildren(args)
	if serverReceivers[receiver] && len(argv) >= 2 {
		meta := requestMeta(RoleRoute, verb, url)
		last := argv[len(argv)-1]
		switch last.Kind() {
		case "identifier":
			meta[MetaHandler] = text(last, x.src)
		case "member_expression":
			meta[MetaHandler] = fieldText(last, "property", x.src)
		}
		x.ref(RefRequest, n, url, receiver, receiver+"."+strings.ToLower(verb), meta)
		return
	}
	x.ref(RefRequest, n, url, receiver, receiver+"."+strings.ToLower(verb), requestMeta(RoleClient, verb, url))
}

func (x *jsExtractor) fetch(n, args *tree_sitter.Node) {
	url := stringArg(args, 0, x.src)
	if url == "" {
		return
	}
	verb := "GET"
	argv := namedChildren(args)
	if len(argv) > 1 && argv[1].Kind() == "object" {
		for _, pair := range namedChildren(argv[1]) {
			if pair.Kind() != "pair" || unquote(fieldText(pair, "key", x.src)) != "method" {
				continue
			}
			// Only a literal names the verb; method: verb stays GET.
			if val := pair.ChildByFieldName("value"); val != nil && val.Kind() == "string" {
				if v, ok := verbOf(unquote(text(val, x.src))); ok {
					verb = v
				}
			}
		}
	}
	x.ref(RefRequest, n, url, "", "fetch", requestMeta(RoleClient, verb, url))
}

func (x *jsExtractor) jsx(el *tree_sitter.Node) {
	nameNode := el.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	var name, receiver string
	if nameNode.Kind() == "member_expression" || nameNode.Kind() == "nested_identifier" {
		parts := strings.Split(text(nameNode, x.src), ".")
		name = parts[len(parts)-1]
		receiver = strings.Join(parts[:len(parts)-1], ".")
	} else {
		name = text(nameNode, x.src)
	}
	if name == "Route" {
		x.route(el)
	}
	if !isComponentName(name) {
		return
	}
	x.ref(RefCall, el, name, receiver, "<"+text(nameNode, x.src)+">", map[string]string{MetaJSX: "true"})
}

// route records <Route path="/x" element={<X/>} /> and
// <Route path="/x" component={X} /> as page declarations.
func (x *jsExtractor) route(el *tree_sitter.Node) {
	var route, component string
	eachChild(el, func(attr *tree_sitter.Node) {
		if attr.Kind() != "jsx_attribute" {
			return
		}
		parts := namedChildren(attr)
		if len(parts) < 2 {
			return
		}
		key, value := text(parts[0], x.src), parts[1]
		switch key {
		case "path":
			if value.Kind() == "string" {
				route = unquote(text(value, x.src))
			}
		case "element", "component":
			component = jsxTarget(value, x.src)
		}
	})
	if route == "" {
		return
	}
	x.ref(RefPage, el, route, "", "<Route>", map[string]string{
		graph.MetaRoute: route,
		MetaComponent:   component,
	})
}

// jsxTarget returns the component named by an attribute value of the form
// {<X/>}, {<X>...</X>} or {X}.
func jsxTarget(value *tree_sitter.Node, src []byte) string {
	if value.Kind() == "jsx_expression" {
		kids := namedChildren(value)
		if len(kids) == 0 {
			return ""
		}
		value = kids[0]
	}
	switch value.Kind() {
	case "identifier":
		return text(value, src)
	case "jsx_self_closing_element":
		return fieldText(value, "name", src)
	case "jsx_element":
		if open := firstChildOfKind(value, "jsx_opening_element"); open != nil {
			return fieldText(open, "name", src)
		}
	}
	return ""
}

func (x *jsExtractor) typeRef(n *tree_sitter.Node) {
	if p := n.Parent(); p != nil {
		if nameNode := p.ChildByFieldName("name"); nameNode != nil && nameNode.StartByte() == n.StartByte() {
			return
		}
	}
	x.ref(RefType, n, text(n, x.src), "", "", nil)
}

// receiverOf renders the object of a member call: an identifier, this or
// super as written, anything else as "?".
func receiverOf(obj *tree_sitter.Node, src []byte) string {
	if obj == nil {
		return ""
	}
	switch obj.Kind() {
	case "identifier", "this", "super":
		return text(obj, src)
	case "member_expression":
		if o := obj.ChildByFieldName("object"); o != nil && o.Kind() == "this" {
			return text(obj, src)
		}
	}
	return "?"
}

// stringArg returns the i-th call argument when it is a string or template
// literal.
func stringArg(args *tree_sitter.Node, i int, src []byte) string {
	if args == nil {
		return ""
	}
	argv := namedChildren(args)
	if i >= len(argv) {
		return ""
	}
	switch argv[i].Kind() {
	case "string", "template_string":
		return unquote(text(argv[i], src))
	}
	return ""
}

func isComponentName(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(r)
}
