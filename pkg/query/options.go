package query

import (
	"math"
	"time"
)

// Forever disables the time bound it is assigned to: data never goes stale,
// or an idle entry is never evicted.
const Forever time.Duration = math.MaxInt64

// Options are the per-usage timing parameters of a query.
type Options struct {
	// StaleTime is how long fetched data is considered fresh.
	StaleTime time.Duration
	// GCTime is how long an entry without active observers is kept.
	GCTime time.Duration
	// RefetchInterval is the background refetch cadence; zero disables it.
	RefetchInterval time.Duration
}

// DefaultOptions are used when a Client is built without explicit defaults.
func DefaultOptions() Options {
	return Options{
		StaleTime: 0,
		GCTime:    5 * time.Minute,
	}
}

// Option modifies the Options of one usage.
type Option func(*Options)

// WithStaleTime sets how long fetched data stays fresh.
func WithStaleTime(d time.Duration) Option {
	return func(o *Options) { o.StaleTime = d }
}

// WithGCTime sets how long the entry survives once no active observer remains.
func WithGCTime(d time.Duration) Option {
	return func(o *Options) { o.GCTime = d }
}

// WithRefetchInterval enables periodic background refetching.
func WithRefetchInterval(d time.Duration) Option {
	return func(o *Options) { o.RefetchInterval = d }
}

func (o Options) apply(opts []Option) Options {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// timings tracks the contributions of each subscriber to an entry's effective
// options. StaleTime and RefetchInterval are the minimum over the current
// contributors and are withdrawn exactly when a subscriber leaves. GCTime is
// the maximum ever requested during the entry's lifetime, so the longest
// caching horizon any usage asked for governs eviction after everyone leaves.
type timings struct {
	defaults Options
	stale    map[uint64]time.Duration
	refetch  map[uint64]time.Duration
	gcTime   time.Duration
	gcSet    bool
}

func newTimings(defaults Options) *timings {
	return &timings{
		defaults: defaults,
		stale:    make(map[uint64]time.Duration),
		refetch:  make(map[uint64]time.Duration),
	}
}

func (t *timings) add(slot uint64, o Options) {
	t.stale[slot] = o.StaleTime
	if o.RefetchInterval > 0 {
		t.refetch[slot] = o.RefetchInterval
	}
	if !t.gcSet || o.GCTime > t.gcTime {
		t.gcTime = o.GCTime
		t.gcSet = true
	}
}

func (t *timings) withdraw(slot uint64) {
	delete(t.stale, slot)
	delete(t.refetch, slot)
}

func (t *timings) effective() Options {
	eff := Options{
		StaleTime: t.defaults.StaleTime,
		GCTime:    t.defaults.GCTime,
	}
	if t.gcSet {
		eff.GCTime = t.gcTime
	}
	first := true
	for _, d := range t.stale {
		if first || d < eff.StaleTime {
			eff.StaleTime = d
			first = false
		}
	}
	for _, d := range t.refetch {
		if eff.RefetchInterval == 0 || d < eff.RefetchInterval {
			eff.RefetchInterval = d
		}
	}
	return eff
}
