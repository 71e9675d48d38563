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

// kotlinPlugin handles Kotlin sources and Gradle Kotlin DSL build files.
// No tree-sitter grammar for Kotlin ships with the pinned bindings, so
// sources are read by a masking line scanner: comments and string contents
// are blanked, then declarations are matched per line while brace depth
// tracks their bodies.
type kotlinPlugin struct{}

func newKotlinPlugin() *kotlinPlugin { return &kotlinPlugin{} }

func (p *kotlinPlugin) Name() string { return "kotlin" }

func (p *kotlinPlugin) Handles(file string) bool {
	return path.Base(file) == "build.gradle.kts" || hasExt(file, ".kt")
}

func (p *kotlinPlugin) Parse(ctx context.Context, file string, src []byte) (*FileResult, error) {
	if path.Base(file) == "build.gradle.kts" {
		return parseGradleKts(file, src)
	}
	if err := checkBalanced(file, src); err != nil {
		return nil, err
	}
	s := &ktScanner{scope: newScope(file)}
	s.scan(ctx, src)
	return s.res, nil
}

var (
	ktPackage = regexp.MustCompile(`^\s*package\s+([\w.]+)`)
	ktImport  = regexp.MustCompile(`^\s*import\s+([\w.]+)(\.\*)?(?:\s+as\s+(\w+))?`)
	ktClass   = regexp.MustCompile(`\b((?:(?:data|enum|sealed|abstract|open|inner|annotation|value|private|internal|public|protected)\s+)*)(class|interface|object)\s+([A-Za-z_]\w*)`)
	ktFun     = regexp.MustCompile(`\bfun\s+(?:<[^>]*>\s*)?(?:[A-Za-z_]\w*(?:<[^>]*>)?\??\.)?([A-Za-z_]\w*)\s*\(`)
	ktCall    = regexp.MustCompile(`([A-Za-z_]\w*)\s*\(`)
	ktType    = regexp.MustCompile(`[:<,]\s*([A-Z]\w*)`)
	ktField   = regexp.MustCompile(`\b(?:val|var)\s+(\w+)\s*:`)
	ktRecv    = regexp.MustCompile(`([A-Za-z_]\w*)\s*\??\.\s*$`)
	ktReturns = regexp.MustCompile(`\)\s*:\s*([^={]+)`)
	ktCapital = regexp.MustCompile(`[A-Z]\w*`)

	ktRetrofit = regexp.MustCompile(`@(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s*\(\s*(?:value\s*=\s*)?"([^"]*)"`)
	ktSpring   = regexp.MustCompile(`@(Get|Post|Put|Patch|Delete)Mapping\s*\(\s*(?:(?:value|path)\s*=\s*)?\[?\s*"([^"]*)"`)
	ktKtor     = regexp.MustCompile(`^\s*(get|post|put|patch|delete)\s*\(\s*"(/[^"]*)"\s*\)\s*\{`)
	ktOkURL    = regexp.MustCompile(`\.url\(\s*"([^"]+)"\s*\)`)
	ktOkVerb   = regexp.MustCompile(`\.(post|put|patch|delete|head)\s*\(`)
)

var ktKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "when": true, "catch": true, "fun": true,
	"return": true, "constructor": true, "init": true, "this": true, "super": true,
	"class": true, "object": true, "interface": true,
}

type ktAnnotation struct {
	role, verb, url string
	line            int
}

// ktDecl is a declaration whose header has started but whose body (or end)
// has not been seen yet.
type ktDecl struct {
	idx    int
	class  bool
	name   string
	paren  int
	header strings.Builder
	annots []ktAnnotation
}

type ktFrame struct {
	idx   int
	depth int
	class string // set when the frame is a class body
}

type ktScanner struct {
	*scope
	paren   int
	brace   int
	frames  []ktFrame
	pending *ktDecl
	annots  []ktAnnotation
}

type ktEvent struct {
	pos  int
	kind int // 0 decl class, 1 decl fun, 2 call, 3 type
	m    []int
}

func (s *ktScanner) scan(ctx context.Context, src []byte) {
	masked := maskKotlin(src)
	lines := bytes.Split(masked, []byte{'\n'})
	orig := bytes.Split(src, []byte{'\n'})
	for i, ml := range lines {
		if i%256 == 0 && ctx.Err() != nil {
			return
		}
		lineNo := i + 1
		line := string(ml)
		raw := string(orig[i])

		if m := ktPackage.FindStringSubmatch(line); m != nil {
			s.res.Module = m[1]
			continue
		}
		if m := ktImport.FindStringSubmatch(line); m != nil {
			s.importLine(lineNo, m)
			continue
		}
		s.annotations(lineNo, raw, orig, i)
		s.scanLine(lineNo, line)
		if s.pending != nil && s.paren <= s.pending.paren {
			s.finish(lineNo, false)
		}
	}
}

func (s *ktScanner) importLine(line int, m []string) {
	full, star, alias := m[1], m[2] != "", m[3]
	ref := Reference{Kind: RefImport, Enclosing: -1, Line: line}
	if star {
		ref.Name = full
		ref.Meta = map[string]string{graph.MetaSource: full, MetaImported: "*"}
	} else {
		dot := strings.LastIndexByte(full, '.')
		pkg, item := "", full
		if dot >= 0 {
			pkg, item = full[:dot], full[dot+1:]
		}
		ref.Name = item
		if alias != "" {
			ref.Name = alias
		}
		ref.Meta = map[string]string{graph.MetaSource: pkg, MetaImported: item}
	}
	s.res.addRef(ref)
}

// annotations collects HTTP annotations and builder calls on the raw line.
func (s *ktScanner) annotations(line int, raw string, orig [][]byte, i int) {
	if m := ktRetrofit.FindStringSubmatch(raw); m != nil {
		s.annots = append(s.annots, ktAnnotation{role: RoleClient, verb: m[1], url: m[2], line: line})
	}
	if m := ktSpring.FindStringSubmatch(raw); m != nil {
		verb, _ := verbOf(m[1])
		s.annots = append(s.annots, ktAnnotation{role: RoleRoute, verb: verb, url: m[2], line: line})
	}
	if m := ktKtor.FindStringSubmatch(raw); m != nil {
		verb, _ := verbOf(m[1])
		s.res.addRef(Reference{
			Kind: RefRequest, Name: m[2], Enclosing: s.refScope(), Line: line,
			Text: m[1], Meta: requestMeta(RoleRoute, verb, m[2]),
		})
	}
	if m := ktOkURL.FindStringSubmatch(raw); m != nil {
		verb := "GET"
		// The verb usually follows on the next builder lines.
		for j := i; j < len(orig) && j <= i+3; j++ {
			if v := ktOkVerb.FindStringSubmatch(string(orig[j])); v != nil {
				verb, _ = verbOf(v[1])
				break
			}
		}
		s.res.addRef(Reference{
			Kind: RefRequest, Name: m[1], Enclosing: s.refScope(), Line: line,
			Text: "Request.Builder().url", Meta: requestMeta(RoleClient, verb, m[1]),
		})
	}
}

func (s *ktScanner) scanLine(lineNo int, line string) {
	var events []ktEvent
	claimed := make(map[int]bool) // call positions that are declaration names
	for _, m := range ktClass.FindAllStringSubmatchIndex(line, -1) {
		events = append(events, ktEvent{pos: m[0], kind: 0, m: m})
		claimed[m[6]] = true
	}
	for _, m := range ktFun.FindAllStringSubmatchIndex(line, -1) {
		events = append(events, ktEvent{pos: m[0], kind: 1, m: m})
		claimed[m[2]] = true
	}
	for _, m := range ktCall.FindAllStringSubmatchIndex(line, -1) {
		annotation := m[2] > 0 && line[m[2]-1] == '@'
		if !claimed[m[2]] && !annotation && !ktKeywords[line[m[2]:m[3]]] {
			events = append(events, ktEvent{pos: m[0], kind: 2, m: m})
		}
	}
	for _, m := range ktType.FindAllStringSubmatchIndex(line, -1) {
		events = append(events, ktEvent{pos: m[2], kind: 3, m: m})
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
				s.open(lineNo)
			}
			s.brace++
		case '}':
			s.brace--
			if n := len(s.frames); n > 0 && s.frames[n-1].depth == s.brace {
				s.res.Entities[s.frames[n-1].idx].EndLine = lineNo
				s.frames = s.frames[:n-1]
			}
		}
	}
}

func (s *ktScanner) fire(lineNo int, line string, ev ktEvent) {
	m := ev.m
	switch ev.kind {
	case 0, 1:
		if s.pending != nil {
			s.finish(lineNo, false)
		}
		d := &ktDecl{paren: s.paren, class: ev.kind == 0, annots: s.annots}
		s.annots = nil
		c := graph.Candidate{StartLine: lineNo, EndLine: lineNo, Meta: map[string]string{}}
		if ev.kind == 0 {
			modifiers := line[m[2]:m[3]]
			d.name = line[m[6]:m[7]]
			c.Kind = graph.NodeClass
			if strings.Contains(modifiers, "data") {
				c.Kind = graph.NodeDataModel
			}
			if kw := line[m[4]:m[5]]; kw != "class" {
				c.Meta[graph.MetaStyle] = kw
			}
			c.Parent = s.currentClass()
		} else {
			d.name = line[m[2]:m[3]]
			c.Kind = graph.NodeFunction
			c.Parent = s.currentClass()
		}
		c.Name = d.name
		if !strings.Contains(line[:m[0]], "private") {
			c.Meta[graph.MetaExported] = "true"
		}
		d.idx = s.res.addEntity(c)
		s.pending = d

	case 2:
		name := line[m[2]:m[3]]
		receiver := ""
		prefix := strings.TrimRight(line[:m[0]], " \t")
		if strings.HasSuffix(prefix, ".") {
			receiver = "?"
			if r := ktRecv.FindStringSubmatch(prefix); r != nil {
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
func (s *ktScanner) open(lineNo int) {
	d := s.pending
	s.finish(lineNo, true)
	f := ktFrame{idx: d.idx, depth: s.brace}
	if d.class {
		f.class = d.name
	}
	s.frames = append(s.frames, f)
}

// finish completes the pending declaration header. Bodiless declarations
// end on the current line.
func (s *ktScanner) finish(lineNo int, body bool) {
	d := s.pending
	s.pending = nil
	e := &s.res.Entities[d.idx]
	if !body {
		e.EndLine = lineNo
	}
	header := d.header.String()
	if e.Kind == graph.NodeDataModel {
		var fields []string
		for _, m := range ktField.FindAllStringSubmatch(header, -1) {
			fields = append(fields, m[1])
		}
		e.Meta[graph.MetaFields] = strings.Join(fields, ",")
	}
	returns := ""
	if m := ktReturns.FindStringSubmatch(header); m != nil {
		if caps := ktCapital.FindAllString(m[1], -1); len(caps) > 0 {
			returns = caps[len(caps)-1]
		}
	}
	for _, a := range d.annots {
		meta := requestMeta(a.role, a.verb, a.url)
		if a.role == RoleRoute {
			meta[MetaHandler] = d.name
		}
		if returns != "" {
			meta[MetaReturns] = returns
		}
		s.res.addRef(Reference{
			Kind: RefRequest, Name: a.url, Enclosing: d.idx, Line: a.line,
			Text: "@" + a.verb, Meta: meta,
		})
	}
}

func (s *ktScanner) currentClass() string {
	if n := len(s.frames); n > 0 {
		return s.frames[n-1].class
	}
	return ""
}

// refScope attributes references in a function header (parameter types)
// to the function itself.
func (s *ktScanner) refScope() int {
	if s.pending != nil {
		return s.pending.idx
	}
	if n := len(s.frames); n > 0 {
		return s.frames[n-1].idx
	}
	return -1
}

// maskKotlin blanks comments and the contents of string and character
// literals, keeping newlines and string delimiters in place.
func maskKotlin(src []byte) []byte {
	out := make([]byte, len(src))
	copy(out, src)
	const (
		code = iota
		lineComment
		blockComment
		str
		rawStr
		char
	)
	state, depth := code, 0
	for i := 0; i < len(out); i++ {
		c := src[i]
		next := byte(0)
		if i+1 < len(src) {
			next = src[i+1]
		}
		switch state {
		case code:
			switch {
			case c == '/' && next == '/':
				state = lineComment
				out[i] = ' '
			case c == '/' && next == '*':
				state, depth = blockComment, 1
				out[i], out[i+1] = ' ', ' '
				i++
			case c == '"' && bytes.HasPrefix(src[i:], []byte(`"""`)):
				state = rawStr
				i += 2
			case c == '"':
				state = str
			case c == '\'':
				state = char
			}
		case lineComment:
			if c == '\n' {
				state = code
			} else {
				out[i] = ' '
			}
		case blockComment:
			switch {
			case c == '*' && next == '/':
				depth--
				out[i], out[i+1] = ' ', ' '
				i++
				if depth == 0 {
					state = code
				}
			case c == '/' && next == '*':
				depth++
				out[i], out[i+1] = ' ', ' '
				i++
			case c != '\n':
				out[i] = ' '
			}
		case str, char:
			quote := byte('"')
			if state == char {
				quote = '\''
			}
			switch {
			case c == '\\' && next != 0:
				out[i], out[i+1] = 'x', 'x'
				if next == '\n' {
					out[i+1] = '\n'
				}
				i++
			case c == quote:
				state = code
			case c == '\n':
				state = code
			default:
				out[i] = 'x'
			}
		case rawStr:
			if bytes.HasPrefix(src[i:], []byte(`"""`)) {
				state = code
				i += 2
			} else if c != '\n' {
				out[i] = 'x'
			}
		}
	}
	return out
}

// checkBalanced rejects Kotlin sources whose braces or parentheses do not
// balance once comments and strings are masked.
func checkBalanced(file string, src []byte) error {
	masked := maskKotlin(src)
	brace, paren, line := 0, 0, 1
	for _, c := range masked {
		switch c {
		case '\n':
			line++
		case '{':
			brace++
		case '}':
			brace--
		case '(':
			paren++
		case ')':
			paren--
		}
		if brace < 0 || paren < 0 {
			return fmt.Errorf("%w: %s:%d: unmatched closing delimiter", ErrSyntax, file, line)
		}
	}
	if brace != 0 || paren != 0 {
		return fmt.Errorf("%w: %s: unbalanced delimiters at end of file", ErrSyntax, file)
	}
	return nil
}
