package timing

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time { return c.t }

func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTimerMark(t *testing.T) {
	clock := &stepClock{t: time.Unix(1000, 0)}
	timer := NewWithClock(clock.now)

	clock.advance(10 * time.Millisecond)
	timer.Mark(PhaseBorrow)

	clock.advance(15 * time.Millisecond)
	if d := timer.Mark(PhaseExecute); d != 15*time.Millisecond {
		t.Errorf("Mark returned %v, want 15ms", d)
	}

	phases := timer.Phases()
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}
	if phases[0].Name != PhaseBorrow || phases[0].Duration != 10*time.Millisecond {
		t.Errorf("phase 0 = %+v", phases[0])
	}
	if phases[1].Name != PhaseExecute || phases[1].Duration != 15*time.Millisecond {
		t.Errorf("phase 1 = %+v", phases[1])
	}
	if total := timer.Total(); total != 25*time.Millisecond {
		t.Errorf("total = %v, want 25ms", total)
	}
}

func TestTimerSkipAndGet(t *testing.T) {
	clock := &stepClock{t: time.Unix(1000, 0)}
	timer := NewWithClock(clock.now)

	clock.advance(time.Second)
	timer.Skip()
	clock.advance(2 * time.Millisecond)
	timer.Mark(PhaseRelease)
	clock.advance(3 * time.Millisecond)
	timer.Mark(PhaseRelease)

	if got := timer.Get(PhaseRelease); got != 5*time.Millisecond {
		t.Errorf("Get(release) = %v, want 5ms", got)
	}
	if got := timer.Get(PhaseResolve); got != 0 {
		t.Errorf("Get(resolve) = %v, want 0", got)
	}
}

func TestTimerPhasesIsCopy(t *testing.T) {
	timer := New()
	timer.Mark("a")
	phases := timer.Phases()
	phases[0].Name = "changed"
	if timer.Phases()[0].Name != "a" {
		t.Error("Phases exposed internal slice")
	}
}

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	Report(&buf, "Task Timing", []Phase{
		{Name: PhaseBorrow, Duration: 20 * time.Millisecond},
		{Name: PhaseExecute, Duration: 1500 * time.Millisecond},
	})

	output := buf.String()
	for _, want := range []string{"Task Timing", "borrow:", "20ms", "execute:", "1.50s", "TOTAL:", "1.52s"} {
		if !strings.Contains(output, want) {
			t.Errorf("report missing %q:\n%s", want, output)
		}
	}
}

func TestReportEmpty(t *testing.T) {
	var buf bytes.Buffer
	Report(&buf, "Empty", nil)
	if !strings.Contains(buf.String(), "TOTAL:") {
		t.Error("empty report should still have total")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{500 * time.Microsecond, "500µs"},
		{50 * time.Millisecond, "50ms"},
		{1500 * time.Millisecond, "1.50s"},
		{2 * time.Second, "2.00s"},
	}

	for _, tt := range tests {
		result := FormatDuration(tt.d)
		if result != tt.expected {
			t.Errorf("FormatDuration(%v) = %s, expected %s", tt.d, result, tt.expected)
		}
	}
}
