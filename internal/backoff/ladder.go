// Package backoff provides the reconnect delay policies used by the stream
// supervisor.
package backoff

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	cbackoff "github.com/cenkalti/backoff/v5"
)

// Step maps a failure-streak age to a retry delay: while the streak is younger
// than Below, retries wait Delay.
type Step struct {
	Below time.Duration
	Delay time.Duration
}

// DefaultSteps escalates 5s -> 10s -> 30s with a 60s ceiling:
//   - streak < 30s  -> 5s
//   - streak < 2min -> 10s
//   - streak < 10min -> 30s
//   - otherwise -> 60s
var DefaultSteps = []Step{
	{Below: 30 * time.Second, Delay: 5 * time.Second},
	{Below: 2 * time.Minute, Delay: 10 * time.Second},
	{Below: 10 * time.Minute, Delay: 30 * time.Second},
}

// DefaultCeiling is the delay once the streak outlives every step.
const DefaultCeiling = 60 * time.Second

// Ladder is a backoff policy keyed on the time elapsed since the first
// disconnection of the current failure streak, not on the attempt count.
//
// Ladder implements cenkalti/backoff's BackOff so the supervisor can swap it
// for any policy from that package.
type Ladder struct {
	clock   clock.Clock
	steps   []Step
	ceiling time.Duration

	mu           sync.Mutex
	firstFailure time.Time
	current      time.Duration
}

var _ cbackoff.BackOff = (*Ladder)(nil)

// NewLadder returns a ladder over steps. A nil clock selects the wall clock;
// empty steps select DefaultSteps and DefaultCeiling.
func NewLadder(clk clock.Clock, steps []Step, ceiling time.Duration) *Ladder {
	if clk == nil {
		clk = clock.New()
	}
	if len(steps) == 0 {
		steps = DefaultSteps
		ceiling = DefaultCeiling
	}
	if ceiling <= 0 {
		ceiling = steps[len(steps)-1].Delay
	}
	return &Ladder{
		clock:   clk,
		steps:   steps,
		ceiling: ceiling,
		current: steps[0].Delay,
	}
}

// NextBackOff starts a failure streak on first use and returns the delay for
// the streak's current age.
func (l *Ladder) NextBackOff() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if l.firstFailure.IsZero() {
		l.firstFailure = now
	}
	l.current = l.delayFor(now.Sub(l.firstFailure))
	return l.current
}

// Reset ends the failure streak; the next delay is the base interval again.
func (l *Ladder) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.firstFailure = time.Time{}
	l.current = l.steps[0].Delay
}

// Current returns the most recently computed delay (the base interval after
// Reset).
func (l *Ladder) Current() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// StreakStart returns when the current failure streak began, or the zero
// time if connectivity is healthy.
func (l *Ladder) StreakStart() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstFailure
}

func (l *Ladder) delayFor(elapsed time.Duration) time.Duration {
	for _, s := range l.steps {
		if elapsed < s.Below {
			return s.Delay
		}
	}
	return l.ceiling
}

// NewExponential returns cenkalti's exponential policy bounded by initial
// and max, for deployments that prefer attempt-based escalation.
func NewExponential(initial, max time.Duration) cbackoff.BackOff {
	b := cbackoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}
	if max > 0 {
		b.MaxInterval = max
	}
	b.Reset()
	return b
}
