package fifo

import (
	"context"
	"math"

	"golang.org/x/sync/semaphore"
)

// signalCapacity bounds the number of pending posts on a Signal.
// It is large enough to never be reached by a capture session.
const signalCapacity = math.MaxInt64 / 2

// Signal is a counting signal: each Post allows exactly one Wait to return.
// The zero value is not usable, see NewSignal.
type Signal struct {
	sem *semaphore.Weighted
}

// NewSignal returns a Signal with no pending posts.
func NewSignal() *Signal {
	s := Signal{sem: semaphore.NewWeighted(signalCapacity)}
	// Every unit is held up front so the count of available posts starts at zero.
	// TryAcquire on a fresh semaphore cannot fail.
	s.sem.TryAcquire(signalCapacity)
	return &s
}

// Post increments the count and wakes one waiter if there is any.
func (s *Signal) Post() {
	s.sem.Release(1)
}

// Wait blocks until a post is available and consumes it.
func (s *Signal) Wait(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// TryWait consumes a post without blocking.
// It reports whether there was one.
func (s *Signal) TryWait() bool {
	return s.sem.TryAcquire(1)
}
