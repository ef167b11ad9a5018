package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
)

// demoReading is the value of the demo query.
type demoReading struct {
	Source  string    `json:"source"`
	Counter int       `json:"counter"`
	TakenAt time.Time `json:"taken_at"`
}

func demoFetcher() query.Fetcher[string, demoReading] {
	var counter atomic.Int64
	return func(ctx context.Context, key string) demoReading {
		select {
		case <-ctx.Done():
		case <-time.After(200 * time.Millisecond):
		}
		return demoReading{Source: key, Counter: int(counter.Add(1)), TakenAt: time.Now()}
	}
}

// startDemo mounts an active observer that refetches every interval and logs
// each state it sees. The returned function unmounts it.
func startDemo(client *query.Client, interval time.Duration, logger zerolog.Logger) func() {
	logger = logger.With().Str("component", "Demo").Logger()
	scope := query.NewScope(client, demoFetcher(),
		query.WithRefetchInterval(interval),
		query.WithStaleTime(interval/2),
	)
	observer := scope.Use("clock")
	id := observer.AddListener(func(s query.State[demoReading]) {
		if v, ok := s.Data(); ok {
			logger.Info().Str("status", s.Status().String()).Int("counter", v.Counter).Msg("Demo query updated.")
			return
		}
		logger.Info().Str("status", s.Status().String()).Msg("Demo query updated.")
	})
	logger.Info().Str("key", "clock").Dur("interval", interval).Msg("Demo query mounted.")
	return func() {
		observer.RemoveListener(id)
		observer.Close()
	}
}
