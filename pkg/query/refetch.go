package query

import (
	"sync"
	"time"
)

// refetcher triggers its entry on the effective refetch interval, the
// shortest one requested by the current active subscribers. Changing the
// interval cancels the pending timer before arming the next one.
type refetcher struct {
	mu         sync.Mutex
	clock      Clock
	trigger    func()
	interval   time.Duration
	stopped    bool
	timer      Timer
	generation uint64
}

func newRefetcher(clock Clock, trigger func()) *refetcher {
	return &refetcher{clock: clock, trigger: trigger}
}

func (r *refetcher) setInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interval == d {
		return
	}
	r.interval = d
	r.rearmLocked()
}

func (r *refetcher) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.rearmLocked()
}

// rearmLocked must be called with r.mu held.
func (r *refetcher) rearmLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.generation++
	if r.stopped || r.interval <= 0 || r.interval == Forever {
		return
	}
	generation := r.generation
	r.timer = r.clock.AfterFunc(r.interval, func() { r.fire(generation) })
}

func (r *refetcher) fire(generation uint64) {
	r.mu.Lock()
	if generation != r.generation || r.stopped {
		r.mu.Unlock()
		return
	}
	r.rearmLocked()
	r.mu.Unlock()
	r.trigger()
}
