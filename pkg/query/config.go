package query

import "time"

// Config holds the cache-wide settings of a Client.
type Config struct {
	// Defaults apply to every usage that does not override them.
	Defaults Options
	// PersisterTimeout bounds each persister call.
	PersisterTimeout time.Duration
	Clock            Clock
	Serializer       Serializer
	// Debug enables internal invariant checks that panic on violation.
	Debug bool
}

// DefaultConfig provides a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Defaults:         DefaultOptions(),
		PersisterTimeout: defaultPersisterTimeout,
		Clock:            SystemClock{},
		Serializer:       JSONSerializer{},
	}
}
