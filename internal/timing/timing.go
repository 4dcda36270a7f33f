// Package timing records how long each phase of a task took.
package timing

import (
	"fmt"
	"io"
	"time"
)

// Phase names used by the task runner.
const (
	PhaseResolve = "resolve"
	PhaseBorrow  = "borrow"
	PhaseExecute = "execute"
	PhaseRelease = "release"
)

// Timer tracks durations of named phases. It is not safe for concurrent use.
type Timer struct {
	now    func() time.Time
	start  time.Time
	last   time.Time
	phases []Phase
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string        `json:"name" yaml:"name"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// New creates a new Timer starting from now.
func New() *Timer {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Timer that reads time from now.
func NewWithClock(now func() time.Time) *Timer {
	start := now()
	return &Timer{now: now, start: start, last: start}
}

// Mark records a named phase ending now.
// Duration is time since last mark (or since start if first mark).
func (t *Timer) Mark(name string) time.Duration {
	now := t.now()
	d := now.Sub(t.last)
	t.last = now
	t.phases = append(t.phases, Phase{Name: name, Duration: d})
	return d
}

// Skip moves the phase boundary to now without recording a phase.
func (t *Timer) Skip() {
	t.last = t.now()
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return t.now().Sub(t.start)
}

// Phases returns a copy of all recorded phases.
func (t *Timer) Phases() []Phase {
	return append([]Phase(nil), t.phases...)
}

// Get returns the summed duration of every phase called name.
func (t *Timer) Get(name string) time.Duration {
	var d time.Duration
	for _, p := range t.phases {
		if p.Name == name {
			d += p.Duration
		}
	}
	return d
}

// Report prints a timing table headed by title to w.
func Report(w io.Writer, title string, phases []Phase) {
	var total time.Duration
	fmt.Fprintf(w, "=== %s ===\n", title)
	for _, p := range phases {
		fmt.Fprintf(w, "  %-12s %s\n", p.Name+":", FormatDuration(p.Duration))
		total += p.Duration
	}
	fmt.Fprintf(w, "  %-12s %s\n", "TOTAL:", FormatDuration(total))
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
