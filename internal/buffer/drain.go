package buffer

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/szibis/logs-governor/internal/logging"
)

// State is the engine lifecycle state.
type State int

const (
	StateActive State = iota
	StateDraining
	StateTerminated
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) draining() bool {
	return e.State() != StateActive
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Drain stops the scheduler and flushes until the queue is empty or the
// drain deadline passes. The deadline is fixed by the first call and bounds
// the whole drain: backoff waits, including those of a cycle already in
// flight, end at the deadline, while issued backend calls run to completion.
// Events whose retries run out are kept queued; under the drop and escalate
// policies the drain then fails with the exhaustion error. ctx is checked
// between cycles and also cuts backoff waits short.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.state = StateDraining
	if e.deadline.IsZero() {
		e.deadline = time.Now().Add(e.opts.DrainTimeout)
	}
	deadline := e.deadline
	e.mu.Unlock()

	drainCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	stopAfter := context.AfterFunc(drainCtx, e.stopLife)
	defer stopAfter()

	e.scheduler.Stop()

	logging.Info("draining log queue", logging.F(
		"table", e.opts.Table,
		"events", e.queue.Len(),
		"deadline", deadline.Format(time.RFC3339Nano),
	))

	for {
		if err := ctx.Err(); err != nil {
			drainsTotal.WithLabelValues("canceled").Inc()
			return err
		}
		remaining := e.queue.Len()
		if remaining == 0 {
			e.setState(StateTerminated)
			drainsTotal.WithLabelValues("terminated").Inc()
			return nil
		}
		if !time.Now().Before(deadline) {
			e.setState(StateTimedOut)
			drainsTotal.WithLabelValues("timeout").Inc()
			return fmt.Errorf("%w: %d events still queued", ErrDrainTimeout, remaining)
		}

		if err := e.cycle(drainCtx, triggerDrain); err != nil {
			drainsTotal.WithLabelValues("error").Inc()
			return err
		}
		runtime.Gosched()
	}
}
