// Package orchestrator sequences a graph build: discovery, parallel parsing,
// merge into a store, resolution, pattern extraction and freeze.
package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/patterns"
	"github.com/dusk-indust/codegraph/internal/resolve"
)

var (
	// ErrBadInput marks builds rejected because of their input: an
	// unreadable root, an unsupported language or invalid options.
	ErrBadInput = errors.New("orchestrator: bad input")

	// ErrStoreInit marks builds whose graph store could not be created.
	ErrStoreInit = errors.New("orchestrator: store initialization failed")

	// ErrBuildCancelled is returned when the build context ends before the
	// graph is frozen. No partial graph is returned with it.
	ErrBuildCancelled = errors.New("orchestrator: build cancelled")
)

// FileError records a file skipped during the build.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

func (e *FileError) Unwrap() error { return e.Err }

// Phase identifies a build phase.
type Phase int

const (
	PhaseDiscover Phase = iota
	PhaseParse
	PhaseMerge
	PhaseResolve
	PhasePatterns
	PhaseFreeze
)

func (p Phase) String() string {
	names := [...]string{"discover", "parse", "merge", "resolve", "patterns", "freeze"}
	if p >= 0 && int(p) < len(names) {
		return names[p]
	}
	return "unknown"
}

// ProgressEvent is emitted while a build runs. Item names the file for
// parse events and is empty for phase events.
type ProgressEvent struct {
	BuildID string
	Phase   Phase
	Item    string
	Status  ProgressStatus
	Message string
}

// ProgressStatus is the state of a phase or item.
type ProgressStatus string

const (
	ProgressPending  ProgressStatus = "pending"
	ProgressWorking  ProgressStatus = "working"
	ProgressComplete ProgressStatus = "complete"
	ProgressFailed   ProgressStatus = "failed"
)

// Result is a finished build. Store is frozen.
type Result struct {
	Store  graph.Store
	Report Report
}

// Report summarizes a build.
type Report struct {
	BuildID    string         `json:"buildId"`
	Language   string         `json:"language"`
	Root       string         `json:"root"`
	Backend    string         `json:"backend"`
	Files      int            `json:"files"`
	Skipped    []FileError    `json:"-"`
	Invalid    int            `json:"invalidRecords"`
	Resolution resolve.Stats  `json:"resolution"`
	Patterns   patterns.Stats `json:"patterns"`
	External   string         `json:"external"` // "", "injected", "lsp" or "unavailable"
	Duration   time.Duration  `json:"duration"`
}

// SkippedPaths returns the paths of skipped files in order.
func (r Report) SkippedPaths() []string {
	out := make([]string, 0, len(r.Skipped))
	for _, s := range r.Skipped {
		out = append(out, s.Path)
	}
	return out
}
