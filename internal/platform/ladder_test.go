package platform

import (
	"testing"
	"time"
)

func TestLadderEscalation(t *testing.T) {
	l := NewLadder(nil, 10)

	if got := l.Current(); got != 50*time.Millisecond {
		t.Fatalf("initial interval = %v, want 50ms", got)
	}

	// Nine idle samples stay on the first rung.
	for i := 0; i < 9; i++ {
		if got := l.Idle(); got != 50*time.Millisecond {
			t.Fatalf("idle sample %d: interval = %v, want 50ms", i, got)
		}
	}
	// The tenth escalates.
	if got := l.Idle(); got != 200*time.Millisecond {
		t.Fatalf("interval after 10 idle samples = %v, want 200ms", got)
	}

	for i := 0; i < 10; i++ {
		l.Idle()
	}
	if got := l.Current(); got != 1000*time.Millisecond {
		t.Fatalf("interval after 20 idle samples = %v, want 1s", got)
	}

	for i := 0; i < 10; i++ {
		l.Idle()
	}
	if got := l.Current(); got != 2000*time.Millisecond {
		t.Fatalf("interval after 30 idle samples = %v, want 2s", got)
	}

	// The top rung is sticky.
	for i := 0; i < 50; i++ {
		l.Idle()
	}
	if got := l.Current(); got != 2000*time.Millisecond {
		t.Fatalf("interval past top of ladder = %v, want 2s", got)
	}
}

func TestLadderResetOnChange(t *testing.T) {
	l := NewLadder(nil, 2)
	for i := 0; i < 20; i++ {
		l.Idle()
	}
	if got := l.Current(); got == 50*time.Millisecond {
		t.Fatal("ladder did not escalate during setup")
	}

	if got := l.Reset(); got != 50*time.Millisecond {
		t.Fatalf("Reset() = %v, want 50ms", got)
	}
	if got := l.Current(); got != 50*time.Millisecond {
		t.Fatalf("interval after reset = %v, want 50ms", got)
	}
}

func TestLadderRebase(t *testing.T) {
	l := NewLadder([]time.Duration{
		50 * time.Millisecond,
		200 * time.Millisecond,
	}, 2)
	l.Idle()
	l.Idle()

	l.Rebase(500 * time.Millisecond)

	if got := l.Current(); got != 500*time.Millisecond {
		t.Fatalf("interval after rebase = %v, want 500ms", got)
	}
	// Upper rungs never drop below the new base.
	l.Idle()
	l.Idle()
	if got := l.Current(); got != 500*time.Millisecond {
		t.Fatalf("escalated interval after rebase = %v, want 500ms", got)
	}

	l.Rebase(0) // ignored
	if got := l.Current(); got != 500*time.Millisecond {
		t.Fatalf("interval after zero rebase = %v, want 500ms", got)
	}
}
