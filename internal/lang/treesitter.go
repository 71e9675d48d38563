package lang

import (
	"fmt"
	"log/slog"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

// parseTree parses src with a fresh tree-sitter parser. Parsers are created
// per call so a plugin can serve concurrent Parse calls.
func parseTree(language *tree_sitter.Language, path string, src []byte) (*tree_sitter.Tree, error) {
	parser := tree_sitter.NewParser()
	defer parser.Close()

	if err := parser.SetLanguage(language); err != nil {
		return nil, fmt.Errorf("set language for %s: %w", path, err)
	}

	tree := parser.Parse(src, nil)
	if tree == nil {
		return nil, fmt.Errorf("%w: tree-sitter returned nil tree for %s", ErrSyntax, path)
	}
	// Grammars recover from most errors; extraction continues over the
	// partial tree.
	if tree.RootNode().HasError() {
		slog.Debug("parse.recovered", slog.String("file", path))
	}
	return tree, nil
}

// eachChild calls fn for every direct child of n.
func eachChild(n *tree_sitter.Node, fn func(*tree_sitter.Node)) {
	cursor := n.Walk()
	defer cursor.Close()
	if !cursor.GotoFirstChild() {
		return
	}
	for {
		fn(cursor.Node())
		if !cursor.GotoNextSibling() {
			break
		}
	}
}

// namedChildren returns the named children of n.
func namedChildren(n *tree_sitter.Node) []*tree_sitter.Node {
	var out []*tree_sitter.Node
	for i := uint(0); i < n.NamedChildCount(); i++ {
		if c := n.NamedChild(i); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// firstChildOfKind returns the first direct child with one of the kinds.
func firstChildOfKind(n *tree_sitter.Node, kinds ...string) *tree_sitter.Node {
	for i := uint(0); i < n.ChildCount(); i++ {
		c := n.Child(i)
		if c == nil {
			continue
		}
		for _, k := range kinds {
			if c.Kind() == k {
				return c
			}
		}
	}
	return nil
}

func text(n *tree_sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return n.Utf8Text(src)
}

func fieldText(n *tree_sitter.Node, field string, src []byte) string {
	return text(n.ChildByFieldName(field), src)
}

func startLine(n *tree_sitter.Node) int { return int(n.StartPosition().Row) + 1 }
func endLine(n *tree_sitter.Node) int   { return int(n.EndPosition().Row) + 1 }
func column(n *tree_sitter.Node) int    { return int(n.StartPosition().Column) }

// unquote strips one layer of string delimiters.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		switch s[0] {
		case '"', '\'', '`':
			if s[len(s)-1] == s[0] {
				return s[1 : len(s)-1]
			}
		}
	}
	return s
}

// scope tracks the innermost enclosing entity while walking a tree.
type scope struct {
	res     *FileResult
	stack   []int
	classes []string
}

func newScope(path string) *scope {
	return &scope{res: &FileResult{Path: path}}
}

func (s *scope) enclosing() int {
	if len(s.stack) == 0 {
		return -1
	}
	return s.stack[len(s.stack)-1]
}

func (s *scope) class() string {
	if len(s.classes) == 0 {
		return ""
	}
	return s.classes[len(s.classes)-1]
}

// within runs fn with entity idx as the enclosing scope.
func (s *scope) within(idx int, fn func()) {
	s.stack = append(s.stack, idx)
	fn()
	s.stack = s.stack[:len(s.stack)-1]
}

// inClass runs fn with name as the enclosing class.
func (s *scope) inClass(idx int, name string, fn func()) {
	s.classes = append(s.classes, name)
	s.within(idx, fn)
	s.classes = s.classes[:len(s.classes)-1]
}

func (s *scope) ref(kind RefKind, n *tree_sitter.Node, name, receiver, callText string, meta map[string]string) {
	s.res.addRef(Reference{
		Kind:      kind,
		Name:      name,
		Receiver:  receiver,
		Enclosing: s.enclosing(),
		Line:      startLine(n),
		Column:    column(n),
		Text:      callText,
		Meta:      meta,
	})
}
