// Package barrier provides a countdown rendezvous used to line up
// the start of capture threads.
package barrier

import "sync"

// Barrier releases all waiters together once the required number of them arrived.
type Barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// New returns a barrier that must be armed with Init before use.
func New() *Barrier {
	b := Barrier{}
	b.cond = sync.NewCond(&b.mu)
	return &b
}

// Init sets the number of participants.
// It must happen before any participant calls Wait.
func (b *Barrier) Init(count int) {
	b.mu.Lock()
	b.count = count
	b.mu.Unlock()
}

// Wait blocks until count participants have called Wait.
// Calls beyond count are not defined.
func (b *Barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.count--
	if b.count == 0 {
		b.cond.Broadcast()
		return
	}

	// Loop in case of spurious wakeups.
	for b.count > 0 {
		b.cond.Wait()
	}
}
