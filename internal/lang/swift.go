package lang

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/dusk-indust/codegraph/internal/graph"
)

// swiftPlugin handles Swift sources and SwiftPM manifests. Like Kotlin,
// Swift has no grammar in the pinned tree-sitter bindings, and the two
// languages share comment and string lexing, so sources go through the
// same masking scanner approach.
type swiftPlugin struct{}

func newSwiftPlugin() *swiftPlugin { return &swiftPlugin{} }

func (p *swiftPlugin) Name() string { return "swift" }

func (p *swiftPlugin) Handles(file string) bool {
	return path.Base(file) == "Package.swift" || hasExt(file, ".swift")
}

func (p *swiftPlugin) Parse(ctx context.Context, file string, src []byte) (*FileResult, error) {
	if path.Base(file) == "Package.swift" {
		return parsePackageSwift(file, src)
	}
	if err := checkBalanced(file, src); err != nil {
		return nil, err
	}
	s := &swScanner{scope: newScope(file)}
	s.res.Module = swiftModule(file)
	s.scan(ctx, src)
	return s.res, nil
}

// swiftModule names the target a source file compiles into: the directory
// under Sources/ or Tests/ for SwiftPM layouts, otherwise the top-level
// directory of an Xcode project.
func swiftModule(file string) string {
	dir := path.Dir(file)
	if dir == "." {
		return ""
	}
	parts := strings.Split(dir, "/")
	for i, p := range parts {
		if (p == "Sources" || p == "Tests") && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return parts[0]
}

var (
	swImport = regexp.MustCompile(`^\s*(?:@\w+\s+)*import\s+(?:(?:class|struct|enum|protocol|func|var|let|typealias)\s+)?([\w.]+)`)
	swType   = regexp.MustCompile(`\b((?:(?:final|open|public|private|fileprivate|internal|indirect)\s+)*)(class|struct|enum|protocol|actor|extension)\s+([A-Za-z_][\w.]*)`)
	swFunc   = regexp.MustCompile(`\bfunc\s+([A-Za-z_]\w*)\s*(?:<[^>]*>)?\s*\(`)
	swCall   = regexp.MustCompile(`([A-Za-z_]\w*)\s*\(`)
	swRef    = regexp.MustCompile(`(?:[:<,]|->)\s*\[?([A-Z]\w*)`)
	swField  = regexp.MustCompile(`^\s*(?:(?:public|private|internal|fileprivate)\s+)*(?:let|var)\s+(\w+)\s*:`)
	swRecv   = regexp.MustCompile(`([A-Za-z_]\w*)\s*[?!]?\.\s*$`)

	swURLSession = regexp.MustCompile(`\bURL\(\s*string:\s*(?:[\w.]+\s*\+\s*)?"([^"]+)"`)
	swHTTPMethod = regexp.MustCompile(`\.httpMethod\s*=\s*"(\w+)"`)
	swDecode     = regexp.MustCompile(`\bdecode\(\s*\[?([A-Z]\w*)\]?\.self`)
	swAlamofire  = regexp.MustCompile(`\bAF\.request\(\s*(?:[\w.]+\s*\+\s*)?"([^"]+)"`)
	swAFMethod   = regexp.MustCompile(`\bmethod:\s*\.(\w+)`)
	swAFDecode   = regexp.MustCompile(`\bresponseDecodable\(\s*of:\s*\[?([A-Z]\w*)\]?\.self`)
	swVapor      = regexp.MustCompile(`\b(?:app|routes|router|group|grouped)\.(get|post|put|patch|delete)\(([^)]*)\)`)
	swSegment    = regexp.MustCompile(`"([^"]*)"`)
	swUse        = regexp.MustCompile(`\buse:\s*([\w.]+)`)
)

var swKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "guard": true,
	"catch": true, "func": true, "return": true, "init": true, "deinit": true,
	"self": true, "super": true, "in": true, "where": true, "repeat": true,
	"defer": true, "case": true, "subscript": true,
}

// swModelProtocols mark a struct as a wire model.
var swModelProtocols = regexp.MustCompile(`\b(?:Codable|Decodable|Encodable)\b`)

type swDecl struct {
	idx     int // -1 for extensions, which add no entity
	keyword string
	name    string
	paren   int
	header  strings.Builder
}

type swFrame struct {
	idx    int
	depth  int
	class  string
	fields []string
	model  bool
}

type swScanner struct {
	*scope
	paren   int
	brace   int
	frames  []swFrame
	pending *swDecl
}

type swEvent struct {
	pos  int
	kind int // 0 type decl, 1 func decl, 2 call, 3 type reference
	m    []int
}

func (s *swScanner) scan(ctx context.Context, src []byte) {
	masked := maskKotlin(src)
	lines := bytes.Split(masked, []byte{'\n'})
	orig := bytes.Split(src, []byte{'\n'})
	for i, ml := range lines {
		if i%256 == 0 && ctx.Err() != nil {
			return
		}
		lineNo := i + 1
		line := string(ml)

		if m := swImport.FindStringSubmatch(line); m != nil {
			s.res.addRef(Reference{
				Kind: RefImport, Name: m[1], Enclosing: -1, Line: lineNo,
				Text: strings.TrimSpace(string(orig[i])),
				Meta: map[string]string{graph.MetaSource: m[1], MetaImported: "*"},
			})
			continue
		}
		s.field(line)
		s.requests(lineNo, line, orig, i)
		s.scanLine(lineNo, line)
		if s.pending != nil && s.paren <= s.pending.paren {
			s.finish(lineNo, false)
		}
	}
}

// field records stored properties declared directly in a model body.
func (s *swScanner) field(line string) {
	n := len(s.frames)
	if n == 0 || s.pending != nil {
		return
	}
	f := &s.frames[n-1]
	if !f.model || s.brace != f.depth+1 {
		return
	}
	if m := swField.FindStringSubmatch(line); m != nil {
		f.fields = append(f.fields, m[1])
	}
}

// lookahead returns the first submatch of re on line i or the lines after
// it, stopping at the next function declaration.
func lookahead(re *regexp.Regexp, orig [][]byte, i int) string {
	for j := i; j < len(orig); j++ {
		if j > i && swFunc.Match(orig[j]) {
			break
		}
		if m := re.FindSubmatch(orig[j]); m != nil {
			return string(m[1])
		}
	}
	return ""
}

// requests matches URLSession, Alamofire and Vapor calls on the raw line.
// Matches that start inside a comment are ignored.
func (s *swScanner) requests(line int, masked string, orig [][]byte, i int) {
	raw := string(orig[i])
	find := func(re *regexp.Regexp) []string {
		loc := re.FindStringSubmatchIndex(raw)
		if loc == nil || masked[loc[0]] != raw[loc[0]] {
			return nil
		}
		m := make([]string, len(loc)/2)
		for g := range m {
			if loc[2*g] >= 0 {
				m[g] = raw[loc[2*g]:loc[2*g+1]]
			}
		}
		return m
	}
	client := func(url, text, verb, returns string) {
		if v, ok := verbOf(verb); ok {
			verb = v
		} else {
			verb = "GET"
		}
		meta := requestMeta(RoleClient, verb, url)
		if returns != "" {
			meta[MetaReturns] = returns
		}
		s.res.addRef(Reference{
			Kind: RefRequest, Name: url, Enclosing: s.refScope(), Line: line,
			Text: text, Meta: meta,
		})
	}
	if m := find(swURLSession); m != nil && looksLikeURL(m[1]) {
		client(m[1], "URLSession", lookahead(swHTTPMethod, orig, i), lookahead(swDecode, orig, i))
	}
	if m := find(swAlamofire); m != nil && looksLikeURL(m[1]) {
		client(m[1], "AF.request", lookahead(swAFMethod, orig, i), lookahead(swAFDecode, orig, i))
	}
	if m := find(swVapor); m != nil {
		var segs []string
		for _, seg := range swSegment.FindAllStringSubmatch(m[2], -1) {
			segs = append(segs, strings.Trim(seg[1], "/"))
		}
		route := "/" + strings.Join(segs, "/")
		verb, _ := verbOf(m[1])
		meta := requestMeta(RoleRoute, verb, route)
		if h := swUse.FindStringSubmatch(m[2]); h != nil {
			meta[MetaHandler] = h[1]
		}
		s.res.addRef(Reference{
			Kind: RefRequest, Name: route, Enclosing: s.refScope(), Line: line,
			Text: m[1], Meta: meta,
		})
	}
}

func (s *swScanner) scanLine(lineNo int, line string) {
	var events []swEvent
	claimed := make(map[int]bool)
	for _, m := range swType.FindAllStringSubmatchIndex(line, -1) {
		switch line[m[6]:m[7]] {
		case "func", "var", "let":
			continue // class func, class var
		}
		events = append(events, swEvent{pos: m[0], kind: 0, m: m})
		claimed[m[6]] = true
	}
	for _, m := range swFunc.FindAllStringSubmatchIndex(line, -1) {
		events = append(events, swEvent{pos: m[0], kind: 1, m: m})
		claimed[m[2]] = true
	}
	for _, m := range swCall.FindAllStringSubmatchIndex(line, -1) {
		attr := m[2] > 0 && (line[m[2]-1] == '@' || line[m[2]-1] == '#')
		if !claimed[m[2]] && !attr && !swKeywords[line[m[2]:m[3]]] {
			events = append(events, swEvent{pos: m[0], kind: 2, m: m})
		}
	}
	for _, m := range swRef.FindAllStringSubmatchIndex(line, -1) {
		events = append(events, swEvent{pos: m[2], kind: 3, m: m})
	}
	sort.SliceStable(events, func(a, b int) bool { return events[a].pos < events[b].pos })

	next := 0
	for pos := 0; pos <= len(line); pos++ {
		for next < len(events) && events[next].pos == pos {
			s.fire(lineNo, line, events[next])
			next++
		}
		if pos == len(line) {
			break
		}
		c := line[pos]
		if s.pending != nil {
			s.pending.header.WriteByte(c)
		}
		switch c {
		case '(':
			s.paren++
		case ')':
			s.paren--
		case '{':
			if s.pending != nil && s.paren == s.pending.paren {
				s.open()
			}
			s.brace++
		case '}':
			s.brace--
			if n := len(s.frames); n > 0 && s.frames[n-1].depth == s.brace {
				s.close(lineNo)
			}
		}
	}
}

func (s *swScanner) fire(lineNo int, line string, ev swEvent) {
	m := ev.m
	switch ev.kind {
	case 0, 1:
		if s.pending != nil {
			s.finish(lineNo, false)
		}
		d := &swDecl{idx: -1, paren: s.paren, keyword: "func"}
		c := graph.Candidate{
			Kind: graph.NodeFunction, StartLine: lineNo, EndLine: lineNo,
			Parent: s.currentClass(), Meta: map[string]string{},
		}
		if ev.kind == 0 {
			d.keyword = line[m[4]:m[5]]
			d.name = line[m[6]:m[7]]
			if i := strings.LastIndexByte(d.name, '.'); i >= 0 {
				d.name = d.name[i+1:]
			}
			c.Kind = graph.NodeClass
			if d.keyword != "class" {
				c.Meta[graph.MetaStyle] = d.keyword
			}
		} else {
			d.name = line[m[2]:m[3]]
		}
		if d.keyword != "extension" {
			c.Name = d.name
			if !strings.Contains(line[:m[0]], "private") {
				c.Meta[graph.MetaExported] = "true"
			}
			d.idx = s.res.addEntity(c)
		}
		s.pending = d

	case 2:
		name := line[m[2]:m[3]]
		receiver := ""
		prefix := strings.TrimRight(line[:m[0]], " \t")
		if strings.HasSuffix(prefix, ".") {
			receiver = "?"
			if r := swRecv.FindStringSubmatch(prefix); r != nil {
				receiver = r[1]
			}
		}
		s.res.addRef(Reference{
			Kind: RefCall, Name: name, Receiver: receiver, Enclosing: s.refScope(),
			Line: lineNo, Column: m[2], Text: strings.TrimSpace(line[m[0]:m[1]-1]),
		})

	case 3:
		s.res.addRef(Reference{
			Kind: RefType, Name: line[m[2]:m[3]], Enclosing: s.refScope(),
			Line: lineNo, Column: m[2],
		})
	}
}

// open starts the body of the pending declaration.
func (s *swScanner) open() {
	d := s.pending
	model := d.keyword == "struct" && swModelProtocols.MatchString(d.header.String())
	s.finish(0, true)
	f := swFrame{idx: d.idx, depth: s.brace, model: model}
	if d.keyword != "func" {
		f.class = d.name
	}
	if model {
		s.res.Entities[d.idx].Kind = graph.NodeDataModel
	}
	s.frames = append(s.frames, f)
}

// close ends the innermost body at lineNo.
func (s *swScanner) close(lineNo int) {
	n := len(s.frames)
	f := s.frames[n-1]
	s.frames = s.frames[:n-1]
	if f.idx < 0 {
		return
	}
	e := &s.res.Entities[f.idx]
	e.EndLine = lineNo
	if f.model {
		e.Meta[graph.MetaFields] = strings.Join(f.fields, ",")
	}
}

// finish completes the pending declaration header. Bodiless declarations,
// such as protocol requirements, end on the current line.
func (s *swScanner) finish(lineNo int, body bool) {
	d := s.pending
	s.pending = nil
	if d.idx >= 0 && !body {
		s.res.Entities[d.idx].EndLine = lineNo
	}
}

func (s *swScanner) currentClass() string {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].class != "" {
			return s.frames[i].class
		}
		if s.frames[i].idx >= 0 {
			return "" // inside a function body
		}
	}
	return ""
}

// refScope attributes references in a declaration header to the
// declaration itself.
func (s *swScanner) refScope() int {
	if s.pending != nil && s.pending.idx >= 0 {
		return s.pending.idx
	}
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].idx >= 0 {
			return s.frames[i].idx
		}
	}
	return -1
}

// --- Package.swift ---

var (
	spmPackage = regexp.MustCompile(`\.package\(\s*(?:name:\s*"([^"]+)"\s*,\s*)?url:\s*"([^"]+)"\s*,\s*(?:(?:from|exact|branch|revision):\s*"([^"]+)"|\.upToNextMajor\(from:\s*"([^"]+)"\)|"([^"]+)"\s*\.\.[.<])?`)
	spmPath    = regexp.MustCompile(`\.package\(\s*(?:name:\s*"([^"]+)"\s*,\s*)?path:\s*"([^"]+)"`)
)

// parsePackageSwift reads the package dependencies of a SwiftPM manifest.
// A dependency is named after its repository, the name products and
// imports normally share.
func parsePackageSwift(file string, src []byte) (*FileResult, error) {
	if err := checkBalanced(file, src); err != nil {
		return nil, err
	}
	masked := maskKotlin(src)
	res := &FileResult{Path: file}
	add := func(loc []int, name, coord, version string) {
		idx := res.addEntity(library(name, coord, version))
		line := bytes.Count(src[:loc[0]], []byte{'\n'}) + 1
		res.Entities[idx].StartLine = line
		res.Entities[idx].EndLine = line
	}
	group := func(loc []int, n int) string {
		if loc[2*n] < 0 {
			return ""
		}
		return string(src[loc[2*n]:loc[2*n+1]])
	}
	seen := make(map[string]bool)
	for _, loc := range spmPackage.FindAllSubmatchIndex(src, -1) {
		if masked[loc[0]] != '.' {
			continue // commented out
		}
		url := group(loc, 2)
		name := group(loc, 1)
		if name == "" {
			name = strings.TrimSuffix(path.Base(strings.TrimRight(url, "/")), ".git")
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		version := group(loc, 3) + group(loc, 4) + group(loc, 5)
		add(loc, name, url, version)
	}
	for _, loc := range spmPath.FindAllSubmatchIndex(src, -1) {
		if masked[loc[0]] != '.' {
			continue
		}
		name := group(loc, 1)
		if name == "" {
			name = path.Base(group(loc, 2))
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		add(loc, name, fmt.Sprintf("path:%s", group(loc, 2)), "")
	}
	return res, nil
}
