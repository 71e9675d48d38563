package orchestrator

import (
	"fmt"
	"sync"
)

// progressBuffer holds events for a printer that falls behind the parse
// workers.
const progressBuffer = 64

// ProgressReporter hands build events to a single consumer. Emit can be
// passed as Options.Progress; it never blocks a worker, and events that do
// not fit the buffer are counted rather than delivered.
type ProgressReporter struct {
	mu      sync.Mutex
	ch      chan ProgressEvent
	closed  bool
	dropped int
}

// NewProgressReporter creates a reporter with an empty buffer.
func NewProgressReporter() *ProgressReporter {
	return &ProgressReporter{ch: make(chan ProgressEvent, progressBuffer)}
}

// Emit queues ev. After Close it does nothing.
func (pr *ProgressReporter) Emit(ev ProgressEvent) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		return
	}
	select {
	case pr.ch <- ev:
	default:
		pr.dropped++
	}
}

// Subscribe returns the event stream. It is closed by Close.
func (pr *ProgressReporter) Subscribe() <-chan ProgressEvent {
	return pr.ch
}

// Dropped reports how many events did not fit the buffer.
func (pr *ProgressReporter) Dropped() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.dropped
}

// Close ends the stream. It may be called more than once.
func (pr *ProgressReporter) Close() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if !pr.closed {
		pr.closed = true
		close(pr.ch)
	}
}

// BuildTally turns a build's event stream into display lines. Per-file
// parse events are folded into counts reported when the parse phase ends;
// only failed files get a line of their own.
type BuildTally struct {
	parsed int
	failed int
}

// Observe returns the line to print for ev, if any.
func (t *BuildTally) Observe(ev ProgressEvent) (string, bool) {
	if ev.Item != "" {
		switch ev.Status {
		case ProgressComplete:
			t.parsed++
		case ProgressFailed:
			t.failed++
			return FormatProgress(ev), true
		}
		return "", false
	}
	switch ev.Status {
	case ProgressWorking:
		return FormatPhaseHeader(ev.BuildID, ev.Phase), true
	case ProgressComplete:
		line := FormatProgress(ev)
		if ev.Phase == PhaseParse {
			line += fmt.Sprintf(" (%d parsed, %d skipped)", t.parsed, t.failed)
		}
		return line, true
	}
	return FormatProgress(ev), true
}

// Parsed and Skipped report the parse outcomes seen so far.
func (t *BuildTally) Parsed() int  { return t.parsed }
func (t *BuildTally) Skipped() int { return t.failed }

// FormatProgress renders one event. Item events name the file; phase
// events name the phase.
func FormatProgress(ev ProgressEvent) string {
	subject := ev.Phase.String()
	if ev.Item != "" {
		subject = ev.Item
	}
	switch ev.Status {
	case ProgressPending:
		return "  . " + subject + " queued"
	case ProgressWorking:
		return "  > " + subject
	case ProgressComplete:
		return "  ok " + subject
	case ProgressFailed:
		return fmt.Sprintf("  !! %s: %s", subject, ev.Message)
	default:
		return fmt.Sprintf("  ?? %s (%s)", subject, ev.Status)
	}
}

// FormatPhaseHeader renders the line that opens a phase, keyed by the
// first eight characters of the build id.
func FormatPhaseHeader(buildID string, phase Phase) string {
	if len(buildID) > 8 {
		buildID = buildID[:8]
	}
	return fmt.Sprintf("[%s] Phase %d: %s", buildID, int(phase), phase)
}
