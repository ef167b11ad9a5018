package query

import (
	"sync"
	"time"
)

// garbageCollector evicts its entry once it has been idle for gcTime. It is
// enabled while the entry has no active observers; every change to enabled,
// lastUpdate or gcTime cancels the pending timer before arming a new one.
type garbageCollector struct {
	mu         sync.Mutex
	clock      Clock
	evict      func()
	enabled    bool
	stopped    bool
	lastUpdate time.Time
	gcTime     time.Duration
	timer      Timer
	generation uint64
}

func newGarbageCollector(clock Clock, gcTime time.Duration, evict func()) *garbageCollector {
	g := &garbageCollector{
		clock:      clock,
		evict:      evict,
		enabled:    true,
		lastUpdate: clock.Now(),
		gcTime:     gcTime,
	}
	g.mu.Lock()
	g.rearmLocked()
	g.mu.Unlock()
	return g
}

func (g *garbageCollector) enable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = true
	g.rearmLocked()
}

func (g *garbageCollector) disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = false
	g.rearmLocked()
}

func (g *garbageCollector) setUpdatedAt(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastUpdate = t
	g.rearmLocked()
}

func (g *garbageCollector) setGCTime(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gcTime == d {
		return
	}
	g.gcTime = d
	g.rearmLocked()
}

// armed reports whether an eviction timer is pending.
func (g *garbageCollector) armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timer != nil
}

func (g *garbageCollector) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	g.rearmLocked()
}

// rearmLocked must be called with g.mu held.
func (g *garbageCollector) rearmLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.generation++
	if !g.enabled || g.stopped || g.gcTime == Forever || g.gcTime < 0 {
		return
	}
	remaining := g.gcTime - g.clock.Now().Sub(g.lastUpdate)
	if remaining < 0 {
		remaining = 0
	}
	generation := g.generation
	g.timer = g.clock.AfterFunc(remaining, func() { g.fire(generation) })
}

func (g *garbageCollector) fire(generation uint64) {
	g.mu.Lock()
	if generation != g.generation || !g.enabled || g.stopped {
		g.mu.Unlock()
		return
	}
	g.timer = nil
	g.mu.Unlock()
	g.evict()
}
