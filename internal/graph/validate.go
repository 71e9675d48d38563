package graph

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports a candidate record that does not satisfy its
// kind's schema. Callers decide whether to skip the record or abort.
type ValidationError struct {
	Kind   string // node or edge kind
	Field  string // offending field or metadata key
	Reason string
	Edge   bool // true when the record is an edge
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s: %s", e.Kind, e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidNode) and errors.Is(err, ErrInvalidEdge)
// match validation failures.
func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrInvalidNode:
		return !e.Edge
	case ErrInvalidEdge:
		return e.Edge
	}
	return false
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report metadata keys rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("meta"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

type nodeCore struct {
	Kind string `meta:"kind" validate:"required"`
	Name string `meta:"name" validate:"required"`
}

type requestMeta struct {
	Verb string `meta:"verb" validate:"required,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS ANY"`
	Path string `meta:"path" validate:"required,startswith=/"`
}

type libraryMeta struct {
	Coordinate string `meta:"coordinate" validate:"required"`
}

type pageMeta struct {
	Route string `meta:"route" validate:"required"`
}

type languageMeta struct {
	Root string `meta:"root" validate:"required"`
}

type callsMeta struct {
	Confidence string `meta:"confidence" validate:"required,oneof=same-file same-module import library external request"`
}

// ValidateNode checks a node against the taxonomy.
func ValidateNode(n Node) error {
	if !n.Kind.Valid() {
		return &ValidationError{Kind: string(n.Kind), Field: "kind", Reason: "unknown node kind"}
	}
	if err := check(string(n.Kind), nodeCore{Kind: string(n.Kind), Name: n.Name}); err != nil {
		return err
	}
	if n.File == "" && n.Kind != NodeRepository && n.Kind != NodeLanguage {
		return &ValidationError{Kind: string(n.Kind), Field: "file", Reason: "required"}
	}
	if n.StartLine < 0 || (n.EndLine > 0 && n.EndLine < n.StartLine) {
		return &ValidationError{Kind: string(n.Kind), Field: "span", Reason: fmt.Sprintf("bad range %d-%d", n.StartLine, n.EndLine)}
	}

	m := n.Meta
	switch n.Kind {
	case NodeRequest:
		return check(string(n.Kind), requestMeta{Verb: m[MetaVerb], Path: m[MetaPath]})
	case NodeLibrary:
		return check(string(n.Kind), libraryMeta{Coordinate: m[MetaCoordinate]})
	case NodePage:
		return check(string(n.Kind), pageMeta{Route: m[MetaRoute]})
	case NodeLanguage:
		return check(string(n.Kind), languageMeta{Root: m[MetaRoot]})
	}
	return nil
}

// ValidateEdge checks an edge against the taxonomy.
func ValidateEdge(e Edge) error {
	if !e.Kind.Valid() {
		return &ValidationError{Kind: string(e.Kind), Field: "kind", Reason: "unknown edge kind", Edge: true}
	}
	if e.Source == "" || e.Target == "" {
		return &ValidationError{Kind: string(e.Kind), Field: "endpoints", Reason: "source and target are required", Edge: true}
	}
	if e.Source == e.Target && e.Kind != EdgeCalls {
		return &ValidationError{Kind: string(e.Kind), Field: "endpoints", Reason: "self loop", Edge: true}
	}
	if e.Kind == EdgeCalls {
		if err := check(string(e.Kind), callsMeta{Confidence: e.Meta[MetaConfidence]}); err != nil {
			err.(*ValidationError).Edge = true
			return err
		}
	}
	return nil
}

// check runs struct validation and converts the first failure into a
// ValidationError.
func check(kind string, v any) error {
	if err := checkStruct(kind, v); err != nil {
		return err
	}
	return nil
}

func checkStruct(kind string, v any) *ValidationError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += " " + fe.Param()
		}
		if v, ok := fe.Value().(string); ok && v != "" {
			reason += fmt.Sprintf(" (got %q)", v)
		}
		return &ValidationError{Kind: kind, Field: fe.Field(), Reason: strings.TrimSpace(reason)}
	}
	return &ValidationError{Kind: kind, Field: "record", Reason: err.Error()}
}
