package platform

import (
	"sync"
	"time"
)

// DefaultLadderSteps is the escalation ladder used when none is
// configured: fast sampling during activity, near-idle cost when the
// monitored resource is quiet.
var DefaultLadderSteps = []time.Duration{
	50 * time.Millisecond,
	200 * time.Millisecond,
	1000 * time.Millisecond,
	2000 * time.Millisecond,
}

// DefaultIdleSamplesPerStep is how many consecutive no-change samples
// are taken at one rung before escalating to the next.
const DefaultIdleSamplesPerStep = 10

// Ladder is an adaptive polling interval: consecutive idle samples walk
// it up a fixed set of steps, any detected change snaps it back to the
// minimum.
type Ladder struct {
	mu          sync.Mutex
	steps       []time.Duration
	idlePerStep int
	step        int
	idleAtStep  int
}

// NewLadder builds a ladder over the given steps. Nil or empty steps
// fall back to DefaultLadderSteps; idlePerStep <= 0 falls back to
// DefaultIdleSamplesPerStep.
func NewLadder(steps []time.Duration, idlePerStep int) *Ladder {
	if len(steps) == 0 {
		steps = DefaultLadderSteps
	}
	if idlePerStep <= 0 {
		idlePerStep = DefaultIdleSamplesPerStep
	}
	cp := make([]time.Duration, len(steps))
	copy(cp, steps)
	return &Ladder{steps: cp, idlePerStep: idlePerStep}
}

// Current returns the interval for the next sample.
func (l *Ladder) Current() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.steps[l.step]
}

// Idle records a no-change sample and returns the interval to sleep
// before the next one.
func (l *Ladder) Idle() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.idleAtStep++
	if l.idleAtStep >= l.idlePerStep && l.step < len(l.steps)-1 {
		l.step++
		l.idleAtStep = 0
	}
	return l.steps[l.step]
}

// Reset records a detected change: the ladder snaps back to its minimum
// interval and returns it.
func (l *Ladder) Reset() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.step = 0
	l.idleAtStep = 0
	return l.steps[0]
}

// Rebase replaces the minimum interval and snaps the ladder back to it.
// Used for live configuration updates.
func (l *Ladder) Rebase(min time.Duration) {
	if min <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.steps[0] = min
	// Keep the ladder monotonically non-decreasing.
	for i := 1; i < len(l.steps); i++ {
		if l.steps[i] < l.steps[i-1] {
			l.steps[i] = l.steps[i-1]
		}
	}
	l.step = 0
	l.idleAtStep = 0
}
