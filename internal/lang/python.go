package lang

import (
	"context"
	"path"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"

	"github.com/dusk-indust/codegraph/internal/graph"
)

// Base classes and decorators that mark a Python class as a data model.
var pyModelBases = map[string]bool{
	"BaseModel": true, "Model": true, "db.Model": true, "models.Model": true,
	"Base": true, "SQLModel": true, "Document": true, "Schema": true, "TypedDict": true,
}

// Receivers whose verb methods are HTTP client calls.
var pyClientReceivers = map[string]bool{
	"requests": true, "httpx": true, "session": true, "client": true, "self.client": true, "self.session": true,
}

// pyPlugin handles Python sources and requirements.txt manifests.
type pyPlugin struct {
	grammar *tree_sitter.Language
}

func newPythonPlugin() *pyPlugin {
	return &pyPlugin{grammar: tree_sitter.NewLanguage(tree_sitter_python.Language())}
}

func (p *pyPlugin) Name() string { return "python" }

func (p *pyPlugin) Handles(file string) bool {
	return path.Base(file) == "requirements.txt" || hasExt(file, ".py")
}

func (p *pyPlugin) Parse(_ context.Context, file string, src []byte) (*FileResult, error) {
	if path.Base(file) == "requirements.txt" {
		return parseRequirements(file, src)
	}
	tree, err := parseTree(p.grammar, file, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	x := &pyExtractor{scope: newScope(file), src: src}
	x.visit(tree.RootNode())
	return x.res, nil
}

type pyExtractor struct {
	*scope
	src        []byte
	decorators []*tree_sitter.Node // decorators of the definition being visited
}

func (x *pyExtractor) children(n *tree_sitter.Node) {
	eachChild(n, x.visit)
}

func (x *pyExtractor) visit(n *tree_sitter.Node) {
	switch n.Kind() {
	case "import_statement":
		x.importStatement(n)
		return

	case "import_from_statement":
		x.fromImport(n)
		return

	case "decorated_definition":
		var decos []*tree_sitter.Node
		for _, c := range namedChildren(n) {
			if c.Kind() == "decorator" {
				decos = append(decos, c)
			}
		}
		if def := n.ChildByFieldName("definition"); def != nil {
			x.decorators = decos
			x.visit(def)
			x.decorators = nil
		}
		return

	case "function_definition":
		decos := x.decorators
		x.decorators = nil
		name := fieldText(n, "name", x.src)
		if name == "" {
			break
		}
		idx := x.res.addEntity(graph.Candidate{
			Kind:      graph.NodeFunction,
			Name:      name,
			Parent:    x.directClass(n),
			StartLine: startLine(n),
			EndLine:   endLine(n),
			Meta:      pyExportMeta(name),
		})
		x.within(idx, func() {
			for _, d := range decos {
				x.routeDecorator(d, name)
			}
			x.children(n)
		})
		return

	case "class_definition":
		decos := x.decorators
		x.decorators = nil
		x.classDef(n, decos)
		return

	case "call":
		x.call(n)

	case "type":
		x.typeRefs(n)
		return
	}
	x.children(n)
}

// directClass returns the enclosing class name when n sits directly in a
// class body.
func (x *pyExtractor) directClass(n *tree_sitter.Node) string {
	p := n.Parent()
	if p != nil && p.Kind() == "decorated_definition" {
		p = p.Parent()
	}
	if p == nil || p.Kind() != "block" {
		return ""
	}
	if gp := p.Parent(); gp != nil && gp.Kind() == "class_definition" {
		return x.class()
	}
	return ""
}

func (x *pyExtractor) classDef(n *tree_sitter.Node, decos []*tree_sitter.Node) {
	name := fieldText(n, "name", x.src)
	if name == "" {
		x.children(n)
		return
	}
	kind := graph.NodeClass
	if sup := n.ChildByFieldName("superclasses"); sup != nil {
		for _, b := range namedChildren(sup) {
			if pyModelBases[text(b, x.src)] {
				kind = graph.NodeDataModel
			}
		}
	}
	for _, d := range decos {
		if strings.Contains(text(d, x.src), "dataclass") {
			kind = graph.NodeDataModel
		}
	}
	meta := pyExportMeta(name)
	if meta == nil {
		meta = map[string]string{}
	}
	body := n.ChildByFieldName("body")
	if kind == graph.NodeDataModel && body != nil {
		meta[graph.MetaFields] = strings.Join(pyFields(body, x.src), ",")
	}
	idx := x.res.addEntity(graph.Candidate{
		Kind:      kind,
		Name:      name,
		StartLine: startLine(n),
		EndLine:   endLine(n),
		Meta:      meta,
	})
	x.inClass(idx, name, func() {
		if body != nil {
			x.children(body)
		}
	})
}

// pyFields lists class-level assignments: `name: str` and `id = Column(...)`.
func pyFields(body *tree_sitter.Node, src []byte) []string {
	var fields []string
	for _, stmt := range namedChildren(body) {
		if stmt.Kind() != "expression_statement" {
			continue
		}
		for _, e := range namedChildren(stmt) {
			if e.Kind() != "assignment" {
				continue
			}
			if left := e.ChildByFieldName("left"); left != nil && left.Kind() == "identifier" {
				fields = append(fields, text(left, src))
			}
		}
	}
	return fields
}

// routeDecorator records Flask/FastAPI style route decorators:
// @app.route("/x", methods=["POST"]), @router.get("/x").
func (x *pyExtractor) routeDecorator(d *tree_sitter.Node, handler string) {
	var call *tree_sitter.Node
	for _, c := range namedChildren(d) {
		if c.Kind() == "call" {
			call = c
		}
	}
	if call == nil {
		return
	}
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Kind() != "attribute" {
		return
	}
	method := fieldText(fn, "attribute", x.src)
	args := call.ChildByFieldName("arguments")
	route := pyStringArg(args, x.src)
	if route == "" || !strings.HasPrefix(route, "/") {
		return
	}
	verbs := []string{}
	if v, ok := verbOf(method); ok {
		verbs = append(verbs, v)
	} else if method == "route" || method == "api_route" {
		verbs = pyMethodsKwarg(args, x.src)
		if len(verbs) == 0 {
			verbs = []string{"GET"}
		}
	} else {
		return
	}
	receiver := text(fn.ChildByFieldName("object"), x.src)
	for _, verb := range verbs {
		meta := requestMeta(RoleRoute, verb, route)
		meta[MetaHandler] = handler
		x.ref(RefRequest, d, route, receiver, "@"+receiver+"."+method, meta)
	}
}

func pyMethodsKwarg(args *tree_sitter.Node, src []byte) []string {
	var verbs []string
	if args == nil {
		return nil
	}
	for _, a := range namedChildren(args) {
		if a.Kind() != "keyword_argument" || fieldText(a, "name", src) != "methods" {
			continue
		}
		if list := a.ChildByFieldName("value"); list != nil {
			for _, s := range namedChildren(list) {
				if v, ok := verbOf(unquote(text(s, src))); ok {
					verbs = append(verbs, v)
				}
			}
		}
	}
	return verbs
}

func pyStringArg(args *tree_sitter.Node, src []byte) string {
	if args == nil {
		return ""
	}
	for _, a := range namedChildren(args) {
		if a.Kind() == "string" {
			return pyUnquote(text(a, src))
		}
		if a.Kind() != "keyword_argument" {
			return ""
		}
	}
	return ""
}

// pyUnquote strips string prefixes (f, r, b) and quotes.
func pyUnquote(s string) string {
	s = strings.TrimLeft(s, "fFrRbBuU")
	s = strings.TrimPrefix(strings.TrimSuffix(s, `"""`), `"""`)
	return unquote(s)
}

func (x *pyExtractor) importStatement(n *tree_sitter.Node) {
	for _, c := range namedChildren(n) {
		var module, alias string
		switch c.Kind() {
		case "dotted_name":
			module = text(c, x.src)
			alias = module
		case "aliased_import":
			module = fieldText(c, "name", x.src)
			alias = fieldText(c, "alias", x.src)
		default:
			continue
		}
		x.ref(RefImport, n, alias, "", "", map[string]string{
			graph.MetaSource: module,
			MetaImported:     "*",
			MetaAlias:        alias,
		})
	}
}

func (x *pyExtractor) fromImport(n *tree_sitter.Node) {
	moduleNode := n.ChildByFieldName("module_name")
	if moduleNode == nil {
		moduleNode = firstChildOfKind(n, "dotted_name", "relative_import")
	}
	module := text(moduleNode, x.src)
	if module == "" {
		return
	}
	found := false
	eachChild(n, func(c *tree_sitter.Node) {
		if moduleNode != nil && c.StartByte() == moduleNode.StartByte() {
			return
		}
		switch c.Kind() {
		case "dotted_name":
			name := text(c, x.src)
			x.ref(RefImport, n, name, "", "", map[string]string{graph.MetaSource: module, MetaImported: name})
			found = true
		case "aliased_import":
			name := fieldText(c, "name", x.src)
			local := fieldText(c, "alias", x.src)
			x.ref(RefImport, n, local, "", "", map[string]string{graph.MetaSource: module, MetaImported: name})
			found = true
		case "wildcard_import":
			x.ref(RefImport, n, module, "", "", map[string]string{graph.MetaSource: module, MetaImported: "*"})
			found = true
		}
	})
	if !found {
		x.ref(RefImport, n, module, "", "", map[string]string{graph.MetaSource: module})
	}
}

func (x *pyExtractor) call(n *tree_sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return
	}
	switch fn.Kind() {
	case "identifier":
		name := text(fn, x.src)
		x.ref(RefCall, n, name, "", name, nil)

	case "attribute":
		attr := fieldText(fn, "attribute", x.src)
		receiver := pyReceiver(fn.ChildByFieldName("object"), x.src)
		if verb, ok := verbOf(attr); ok && pyClientReceivers[receiver] {
			if url := pyStringArg(n.ChildByFieldName("arguments"), x.src); url != "" && looksLikeURL(url) {
				x.ref(RefRequest, n, url, receiver, receiver+"."+attr, requestMeta(RoleClient, verb, url))
				return
			}
		}
		x.ref(RefCall, n, attr, receiver, text(fn, x.src), nil)
	}
}

// pyReceiver renders dotted identifier chains (self, models, app.db) and
// reports any other receiver expression as "?".
func pyReceiver(obj *tree_sitter.Node, src []byte) string {
	if obj == nil {
		return ""
	}
	switch obj.Kind() {
	case "identifier":
		return text(obj, src)
	case "attribute":
		if inner := pyReceiver(obj.ChildByFieldName("object"), src); inner != "?" && inner != "" {
			return inner + "." + fieldText(obj, "attribute", src)
		}
	}
	return "?"
}

// typeRefs records every identifier inside a type annotation, so
// Optional[List[Person]] references Optional, List and Person.
func (x *pyExtractor) typeRefs(n *tree_sitter.Node) {
	var walk func(*tree_sitter.Node)
	walk = func(c *tree_sitter.Node) {
		if c.Kind() == "identifier" {
			x.ref(RefType, c, text(c, x.src), "", "", nil)
			return
		}
		eachChild(c, walk)
	}
	walk(n)
}

func pyExportMeta(name string) map[string]string {
	if strings.HasPrefix(name, "_") {
		return nil
	}
	return map[string]string{graph.MetaExported: "true"}
}
