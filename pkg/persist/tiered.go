package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
)

// TieredConfig holds configuration for the two-tier persister.
type TieredConfig struct {
	// WriteBackTimeout bounds the background copy of a durable hit into the
	// fast tier.
	WriteBackTimeout time.Duration
}

// TieredPersister combines a fast persister (in-memory, Redis) with a durable
// one (SQLite, Firestore, GCS). Writes go to both tiers. Reads try the fast
// tier first and fall back to the durable tier, copying hits back to the
// fast tier in the background. A write-back is dropped if any write, removal
// or clear has happened since the durable read it copies.
type TieredPersister struct {
	fast    query.Persister
	durable query.Persister
	timeout time.Duration
	logger  zerolog.Logger

	// mu orders write-backs against direct writes; version counts the latter.
	mu         sync.Mutex
	version    uint64
	writeBacks sync.WaitGroup
}

// NewTieredPersister creates a TieredPersister.
func NewTieredPersister(cfg *TieredConfig, fast, durable query.Persister, logger zerolog.Logger) *TieredPersister {
	timeout := 10 * time.Second
	if cfg != nil && cfg.WriteBackTimeout > 0 {
		timeout = cfg.WriteBackTimeout
	}
	return &TieredPersister{
		fast:    fast,
		durable: durable,
		timeout: timeout,
		logger:  logger.With().Str("component", "TieredPersister").Logger(),
	}
}

// Persist writes to both tiers.
func (t *TieredPersister) Persist(ctx context.Context, key string, data query.PersistedData) error {
	t.bump()
	return errors.Join(t.fast.Persist(ctx, key, data), t.durable.Persist(ctx, key, data))
}

// Remove deletes key from both tiers.
func (t *TieredPersister) Remove(ctx context.Context, key string) error {
	t.bump()
	return errors.Join(t.fast.Remove(ctx, key), t.durable.Remove(ctx, key))
}

// bump waits out a write-back in progress and invalidates pending ones.
func (t *TieredPersister) bump() {
	t.mu.Lock()
	t.version++
	t.mu.Unlock()
}

func (t *TieredPersister) currentVersion() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Retrieve reads from the fast tier and falls back to the durable tier.
func (t *TieredPersister) Retrieve(ctx context.Context, key string) (query.PersistedData, bool, error) {
	data, ok, err := t.fast.Retrieve(ctx, key)
	if err == nil && ok {
		t.logger.Debug().Str("key", key).Msg("Fast tier hit.")
		return data, true, nil
	}
	if err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("Fast tier error. Falling back to durable tier.")
	}

	version := t.currentVersion()
	data, ok, err = t.durable.Retrieve(ctx, key)
	if err != nil {
		return query.PersistedData{}, false, fmt.Errorf("error retrieving from durable tier: %w", err)
	}
	if !ok {
		return query.PersistedData{}, false, nil
	}
	t.logger.Debug().Str("key", key).Msg("Durable tier hit. Writing back to fast tier.")

	t.writeBacks.Add(1)
	go func() {
		defer t.writeBacks.Done()
		t.writeBack(key, data, version)
	}()
	return data, true, nil
}

func (t *TieredPersister) writeBack(key string, data query.PersistedData, version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.version != version {
		t.logger.Debug().Str("key", key).Msg("Tiers changed since durable read. Dropping write-back.")
		return
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.fast.Persist(writeCtx, key, data); err != nil {
		t.logger.Error().Err(err).Str("key", key).Msg("Failed to write back to fast tier.")
	}
}

// Clear clears both tiers.
func (t *TieredPersister) Clear(ctx context.Context) error {
	t.bump()
	return errors.Join(t.fast.Clear(ctx), t.durable.Clear(ctx))
}

// Close waits for pending write-backs and closes whichever tiers own
// resources.
func (t *TieredPersister) Close() error {
	t.writeBacks.Wait()
	var errs []error
	for _, p := range []query.Persister{t.fast, t.durable} {
		if c, ok := p.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
