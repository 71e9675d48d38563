// Package resolve turns the unresolved references of every parsed file into
// Calls, Imports and Uses edges. Lookups run in a fixed order (same file,
// same module, imports, libraries, an optional external resolver) and every
// tie is broken by a total order, so the same input always yields the same
// edges.
package resolve

import (
	"context"
	"time"
)

// DefinitionQuery asks where the identifier at a source position is defined.
type DefinitionQuery struct {
	Language string
	Root     string // absolute repository root
	File     string // repo-relative, slash separated
	Line     int    // 1-based
	Column   int    // 0-based column of the reference expression
	Name     string // identifier being resolved
}

// DefinitionResult locates a definition.
type DefinitionResult struct {
	File string // repo-relative, slash separated
	Line int    // 1-based
}

// SymbolResolver answers definition queries the in-process lookup cannot,
// typically by asking a language server. Implementations must be safe for
// concurrent use. A false result with a nil error means "no definition".
type SymbolResolver interface {
	Definition(ctx context.Context, q DefinitionQuery) (DefinitionResult, bool, error)
}

// NopResolver resolves nothing.
type NopResolver struct{}

func (NopResolver) Definition(context.Context, DefinitionQuery) (DefinitionResult, bool, error) {
	return DefinitionResult{}, false, nil
}

// Defaults for the external query pool.
const (
	DefaultMaxInFlight = 8
	DefaultTimeout     = 5 * time.Second
)
