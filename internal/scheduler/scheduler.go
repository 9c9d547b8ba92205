// Package scheduler implements the event-loop capability described in
// section 9 of the design: a single-threaded cooperative scheduler with
// two primitives, schedule_readable and schedule_delayed, plus deferred
// (run-as-soon-as-possible) task enqueue. All per-session state mutation in
// the rest of this module happens only from tasks run through a
// Scheduler, so no two handlers for the same server ever run concurrently.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Task is a unit of work run on the scheduler's single loop goroutine.
type Task func()

// Token cancels a pending delayed task or readable registration.
// Cancellation is idempotent.
type Token struct {
	cancel func()
}

// Cancel invalidates the token. Safe to call more than once or on a zero
// Token.
func (t Token) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Scheduler runs tasks, one at a time, on a single goroutine (Run). Readable
// registrations use a helper goroutine per registration purely to perform
// the blocking I/O wait; the resulting callback is always funneled back
// through the task queue so it executes serially with everything else.
type Scheduler struct {
	tasks chan Task

	mu     sync.Mutex
	timers map[*time.Timer]struct{}

	// pollLimiter bounds how often a ScheduleReadable registration may
	// re-poll its source, replacing a fixed busy-wait sleep with a
	// shared token-bucket pace across every registration on this loop.
	pollLimiter *rate.Limiter
}

// New creates a Scheduler. Call Run to start processing tasks; it blocks
// until ctx is cancelled.
func New() *Scheduler {
	return &Scheduler{
		tasks:       make(chan Task, 256),
		timers:      make(map[*time.Timer]struct{}),
		pollLimiter: rate.NewLimiter(rate.Limit(1000), 1),
	}
}

// Run executes queued tasks on the calling goroutine until ctx is
// cancelled. This is the single event loop: every mutation of server or
// session state must happen inside a Task run from here.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.tasks:
			t()
		}
	}
}

// Enqueue schedules fn to run on the loop as soon as it's free. Used to
// move work that originated on another goroutine (e.g. a reader goroutine
// that just finished a blocking read) back onto the single loop.
func (s *Scheduler) Enqueue(fn Task) {
	s.tasks <- fn
}

// ScheduleDelayed arms fn to run on the loop after d. Returns a Token that
// cancels it if it hasn't fired yet.
func (s *Scheduler) ScheduleDelayed(d time.Duration, fn Task) Token {
	timer := time.AfterFunc(d, func() {
		s.Enqueue(fn)
	})
	s.mu.Lock()
	s.timers[timer] = struct{}{}
	s.mu.Unlock()

	return Token{cancel: func() {
		timer.Stop()
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()
	}}
}

// Readable is anything that can perform one blocking "wait for data, then
// read it" step. *bufio.Reader satisfies this via a 1-byte Peek.
type Readable interface {
	Peek(n int) ([]byte, error)
}

// ScheduleReadable arms fn to run on the loop every time r has at least one
// byte available, until the returned Token is cancelled. fn itself performs
// the actual read out of r; ScheduleReadable only provides the readiness
// signal and re-arms itself after each invocation, mirroring
// RTPInterface::startNetworkReading's persistent background-read
// registration.
func (s *Scheduler) ScheduleReadable(r Readable, fn Task) Token {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if _, err := r.Peek(1); err != nil {
				// Closed or errored source: stop polling: the caller's
				// fn (or close callback path) is responsible for
				// teardown once it next sees the same error.
				s.Enqueue(fn)
				return
			}
			s.Enqueue(fn)
			// fn is responsible for consuming the available bytes;
			// the shared limiter bounds busy-looping if it chooses not
			// to.
			if err := s.pollLimiter.Wait(ctx); err != nil {
				return
			}
		}
	}()

	return Token{cancel: func() {
		once.Do(cancel)
	}}
}
