package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces persisted queries so Clear only touches this cache.
	KeyPrefix string
	// TTL of each persisted row. Zero means rows never expire.
	TTL time.Duration
}

// redisRow is the JSON payload stored under each key.
type redisRow struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RedisPersister stores queries in Redis so several processes can share a
// warm cache.
type RedisPersister struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	prefix      string
	ttl         time.Duration
}

// NewRedisPersister creates and connects a new RedisPersister.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisPersister(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisPersister, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return NewRedisPersisterFromClient(rdb, cfg, logger), nil
}

// NewRedisPersisterFromClient wraps an existing client. Close closes it.
func NewRedisPersisterFromClient(rdb *redis.Client, cfg *RedisConfig, logger zerolog.Logger) *RedisPersister {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "querycache:"
	}
	return &RedisPersister{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisPersister").Logger(),
		prefix:      prefix,
		ttl:         cfg.TTL,
	}
}

func (p *RedisPersister) redisKey(key string) string {
	return p.prefix + key
}

// Persist sets the row for key with the configured TTL.
func (p *RedisPersister) Persist(ctx context.Context, key string, data query.PersistedData) error {
	jsonData, err := json.Marshal(redisRow{Value: data.Value, UpdatedAt: data.UpdatedAt})
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	if err := p.redisClient.Set(ctx, p.redisKey(key), jsonData, p.ttl).Err(); err != nil {
		p.logger.Error().Err(err).Str("key", key).Msg("Failed to set data in Redis.")
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	p.logger.Debug().Str("key", key).Msg("Successfully stored row in Redis.")
	return nil
}

// Remove deletes the row for key.
func (p *RedisPersister) Remove(ctx context.Context, key string) error {
	if err := p.redisClient.Del(ctx, p.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Retrieve loads the row for key. A redis.Nil reply is a normal miss.
func (p *RedisPersister) Retrieve(ctx context.Context, key string) (query.PersistedData, bool, error) {
	cached, err := p.redisClient.Get(ctx, p.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return query.PersistedData{}, false, nil
	}
	if err != nil {
		p.logger.Error().Err(err).Str("key", key).Msg("Unexpected Redis error during retrieve.")
		return query.PersistedData{}, false, err
	}

	var row redisRow
	if err := json.Unmarshal([]byte(cached), &row); err != nil {
		return query.PersistedData{}, false, fmt.Errorf("failed to unmarshal row: %w", err)
	}
	p.logger.Debug().Str("key", key).Msg("Redis hit.")
	return query.PersistedData{Value: row.Value, UpdatedAt: row.UpdatedAt}, true, nil
}

// Clear deletes every key under the configured prefix.
func (p *RedisPersister) Clear(ctx context.Context) error {
	iter := p.redisClient.Scan(ctx, 0, p.prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	deleted := 0
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := p.redisClient.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to clear redis keys: %w", err)
			}
			deleted += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan redis keys: %w", err)
	}
	if len(batch) > 0 {
		if err := p.redisClient.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to clear redis keys: %w", err)
		}
		deleted += len(batch)
	}
	p.logger.Info().Int("deleted", deleted).Msg("Cleared persisted rows from Redis.")
	return nil
}

// Close closes the Redis client connection.
func (p *RedisPersister) Close() error {
	if p.redisClient != nil {
		p.logger.Info().Msg("Closing Redis client connection...")
		return p.redisClient.Close()
	}
	return nil
}
