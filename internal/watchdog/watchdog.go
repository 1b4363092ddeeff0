// Package watchdog implements the per-operation deadline described in
// spec §5: every blocking protocol call is wrapped with a deadline; three
// consecutive timeouts on the same session escalate to a forced teardown
// rather than an endless retry loop.
package watchdog

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout is applied when a caller does not specify one (spec §5:
// "5s default, overridable per call").
const DefaultTimeout = 5 * time.Second

// EscalationThreshold is the number of consecutive timeouts that trigger
// forced teardown (spec §5).
const EscalationThreshold = 3

// Watchdog tracks consecutive timeout occurrences for one session and
// decides when escalation is warranted.
type Watchdog struct {
	mu                 sync.Mutex
	consecutiveTimeout int
	onEscalate         func()
}

// New returns a Watchdog that calls onEscalate the first time the
// consecutive-timeout count reaches EscalationThreshold. onEscalate may be
// nil.
func New(onEscalate func()) *Watchdog {
	return &Watchdog{onEscalate: onEscalate}
}

// Guard runs fn under a deadline of timeout (or DefaultTimeout if zero),
// derived from ctx. It feeds the watchdog's timeout counter: a timeout
// increments it and may trigger escalation; any other outcome resets it
// to zero.
func (w *Watchdog) Guard(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(cctx)

	if cctx.Err() == context.DeadlineExceeded {
		w.recordTimeout()
		return context.DeadlineExceeded
	}
	w.reset()
	return err
}

func (w *Watchdog) recordTimeout() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consecutiveTimeout++
	if w.consecutiveTimeout >= EscalationThreshold {
		escalate := w.onEscalate
		w.consecutiveTimeout = 0
		if escalate != nil {
			// Invoked with the lock released so the callback may safely
			// call back into the Watchdog (e.g. to reset state).
			w.mu.Unlock()
			escalate()
			w.mu.Lock()
		}
	}
}

func (w *Watchdog) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consecutiveTimeout = 0
}

// ConsecutiveTimeouts reports the current streak, for tests and status
// reporting.
func (w *Watchdog) ConsecutiveTimeouts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consecutiveTimeout
}
