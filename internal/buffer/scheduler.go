package buffer

import (
	"context"
	"sync"
	"time"
)

// Scheduler runs tick every interval on its own goroutine, and as soon as
// possible after Trigger. At most one ticker goroutine is active at a time.
type Scheduler struct {
	interval time.Duration
	tick     func(forced bool)
	flushes  chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(interval time.Duration, tick func(forced bool)) *Scheduler {
	return &Scheduler{
		interval: interval,
		tick:     tick,
		flushes:  make(chan struct{}, 1),
	}
}

// Active reports whether a ticker goroutine is running.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Start arms the ticker unless one is already active. It reports whether a
// new ticker was started.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.run(ctx, done)
	return true
}

// Trigger requests a forced tick without waiting for it. Requests made
// while one is pending coalesce; a request made while stopped runs once the
// scheduler starts.
func (s *Scheduler) Trigger() {
	select {
	case s.flushes <- struct{}{}:
	default:
	}
}

// Stop cancels the active ticker and waits for a tick in progress to finish.
// It must not be called from inside tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.tick(false)
		case <-s.flushes:
			if ctx.Err() != nil {
				s.Trigger()
				return
			}
			s.tick(true)
			ticker.Reset(s.interval)
		}
	}
}
