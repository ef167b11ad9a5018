package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
)

// PubsubPublisherConfig holds configuration for publishing cache events to
// Google Pub/Sub.
type PubsubPublisherConfig struct {
	ProjectID  string
	TopicID    string
	BatchSize  int           // Corresponds to Pub/Sub's CountThreshold.
	BatchDelay time.Duration // Corresponds to Pub/Sub's DelayThreshold.
	// BufferSize is the number of events queued before new ones are dropped.
	BufferSize                 int
	TopicExistsTimeout         time.Duration
	PublishConfirmationTimeout time.Duration
}

// NewPubsubPublisherDefaults provides a config with sensible defaults.
func NewPubsubPublisherDefaults() *PubsubPublisherConfig {
	cfg := &PubsubPublisherConfig{
		BatchSize:                  100,
		BatchDelay:                 100 * time.Millisecond,
		BufferSize:                 1000,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
	if bs := os.Getenv("QUERYCACHE_PUBSUB_BATCH_SIZE"); bs != "" {
		if val, err := strconv.Atoi(bs); err == nil {
			cfg.BatchSize = val
		}
	}
	if bd := os.Getenv("QUERYCACHE_PUBSUB_BATCH_DELAY"); bd != "" {
		if val, err := time.ParseDuration(bd); err == nil {
			cfg.BatchDelay = val
		}
	}
	return cfg
}

// PubsubPublisher is a query.CacheObserver that publishes every cache event
// as a JSON message. Events are queued and published by a background loop so
// OnCacheEvent never blocks the cache.
type PubsubPublisher struct {
	topic     *pubsub.Topic
	logger    zerolog.Logger
	inputChan chan query.CacheEvent
	wg        sync.WaitGroup
	confirmWg sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped   atomic.Int64
	published atomic.Int64

	publishConfirmationTimeout time.Duration
}

// NewPubsubPublisher creates a new PubsubPublisher.
// It validates the topic's existence before returning.
func NewPubsubPublisher(
	ctx context.Context,
	cfg *PubsubPublisherConfig,
	client *pubsub.Client,
	logger zerolog.Logger,
) (*PubsubPublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for publisher")
	}
	if cfg.BufferSize <= 0 {
		logger.Warn().Int("invalid_buffer_size", cfg.BufferSize).Msg("BufferSize is non-positive; defaulting to 1000.")
		cfg.BufferSize = 1000
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.DelayThreshold = cfg.BatchDelay
	topic.PublishSettings.CountThreshold = cfg.BatchSize
	topic.PublishSettings.Timeout = 10 * time.Second

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	logger.Info().Str("topic_id", cfg.TopicID).Msg("PubsubPublisher initialized successfully.")
	return &PubsubPublisher{
		topic:                      topic,
		logger:                     logger.With().Str("component", "PubsubPublisher").Str("topic_id", cfg.TopicID).Logger(),
		inputChan:                  make(chan query.CacheEvent, cfg.BufferSize),
		publishConfirmationTimeout: cfg.PublishConfirmationTimeout,
	}, nil
}

// OnCacheEvent implements query.CacheObserver. Events arriving while the
// buffer is full, or after Stop, are dropped.
func (p *PubsubPublisher) OnCacheEvent(event query.CacheEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.inputChan <- event:
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.logger.Warn().Int64("dropped", p.dropped.Load()).Msg("Publisher buffer full, dropping cache events.")
		}
	}
}

// Dropped returns the number of events that were not queued.
func (p *PubsubPublisher) Dropped() int64 { return p.dropped.Load() }

// Published returns the number of events confirmed by Pub/Sub.
func (p *PubsubPublisher) Published() int64 { return p.published.Load() }

// Start initiates the publishing loop.
func (p *PubsubPublisher) Start(ctx context.Context) {
	p.logger.Info().Msg("Starting Pub/Sub publisher...")
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case event, ok := <-p.inputChan:
				if !ok {
					p.logger.Info().Msg("Publisher input channel closed, stopping publishing loop.")
					return
				}
				p.publish(ctx, event)
			case <-ctx.Done():
				p.logger.Info().Msg("Publisher received shutdown signal, stopping publishing loop.")
				p.drainOnShutdown()
				return
			}
		}
	}()
}

func (p *PubsubPublisher) publish(ctx context.Context, event query.CacheEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("key", event.Key).Msg("Failed to marshal cache event for publishing.")
		return
	}
	eventID := uuid.NewString()
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_id":   eventID,
			"event_type": event.Type.String(),
			"key_type":   event.KeyType,
			"value_type": event.ValueType,
		},
	})
	p.confirmWg.Add(1)
	go p.confirmPublish(res, eventID)
}

func (p *PubsubPublisher) drainOnShutdown() {
	for {
		select {
		case event, ok := <-p.inputChan:
			if !ok {
				return
			}
			p.publish(context.Background(), event)
		default:
			return
		}
	}
}

func (p *PubsubPublisher) confirmPublish(res *pubsub.PublishResult, eventID string) {
	defer p.confirmWg.Done()
	getCtx, cancel := context.WithTimeout(context.Background(), p.publishConfirmationTimeout)
	defer cancel()

	msgID, err := res.Get(getCtx)
	if err != nil {
		p.logger.Error().Err(err).Str("event_id", eventID).Msg("Failed to get publish result.")
		return
	}
	p.published.Add(1)
	p.logger.Debug().Str("event_id", eventID).Str("pubsub_msg_id", msgID).Msg("Cache event published.")
}

// Stop stops accepting events, publishes what is queued and flushes the
// topic, respecting ctx's deadline.
func (p *PubsubPublisher) Stop(ctx context.Context) error {
	p.logger.Info().Msg("Stopping Pub/Sub publisher...")
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.inputChan)
	p.mu.Unlock()
	p.wg.Wait()

	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		p.confirmWg.Wait()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		p.logger.Info().Msg("Pub/Sub publisher stopped gracefully.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topic to flush and stop.")
		return ctx.Err()
	}
}
