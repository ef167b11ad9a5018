package main

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-querycache/pkg/config"
	"github.com/illmade-knight/go-querycache/pkg/events"
	"github.com/illmade-knight/go-querycache/pkg/persist"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// resources tracks what the command opened so it can be released in order.
type resources struct {
	closers []func() error
}

func (r *resources) add(f func() error) {
	r.closers = append(r.closers, f)
}

func (r *resources) close(logger zerolog.Logger) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.Warn().Err(err).Msg("Error releasing resource.")
		}
	}
	r.closers = nil
}

func clientOptions(cfg *config.Config) []option.ClientOption {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	return opts
}

// buildPersister creates the persister selected by kind. A nil Store means
// persistence is disabled.
func buildPersister(ctx context.Context, cfg *config.Config, kind string, res *resources, logger zerolog.Logger) (persist.Store, error) {
	pc := cfg.Persister
	switch kind {
	case config.PersisterNone:
		return nil, nil
	case config.PersisterMemory:
		return persist.NewInMemoryPersister(), nil
	case config.PersisterLRU:
		return persist.NewLRUPersister(pc.LRU.MaxEntries)
	case config.PersisterSQLite:
		return persist.NewSQLitePersister(&persist.SQLiteConfig{Path: pc.SQLite.Path, Table: pc.SQLite.Table}, logger)
	case config.PersisterRedis:
		return persist.NewRedisPersister(ctx, &persist.RedisConfig{
			Addr:      pc.Redis.Addr,
			Password:  pc.Redis.Password,
			DB:        pc.Redis.DB,
			KeyPrefix: pc.Redis.KeyPrefix,
			TTL:       time.Duration(pc.Redis.TTL),
		}, logger)
	case config.PersisterFirestore:
		client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("firestore.NewClient: %w", err)
		}
		res.add(client.Close)
		return persist.NewFirestorePersister(&persist.FirestoreConfig{
			ProjectID:      cfg.ProjectID,
			CollectionName: pc.Firestore.Collection,
		}, client, logger)
	case config.PersisterGCS:
		client, err := storage.NewClient(ctx, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("storage.NewClient: %w", err)
		}
		res.add(client.Close)
		return persist.NewGCSPersister(&persist.GCSConfig{
			BucketName:   pc.GCS.Bucket,
			ObjectPrefix: pc.GCS.Prefix,
		}, persist.NewGCSClientAdapter(client), logger)
	case config.PersisterTiered:
		fast, err := buildPersister(ctx, cfg, pc.Tiered.Fast, res, logger)
		if err != nil {
			return nil, fmt.Errorf("fast tier: %w", err)
		}
		durable, err := buildPersister(ctx, cfg, pc.Tiered.Durable, res, logger)
		if err != nil {
			_ = fast.Close()
			return nil, fmt.Errorf("durable tier: %w", err)
		}
		return persist.NewTieredPersister(&persist.TieredConfig{
			WriteBackTimeout: time.Duration(pc.Tiered.WriteBackTimeout),
		}, fast, durable, logger), nil
	default:
		return nil, fmt.Errorf("unknown persister kind %q", kind)
	}
}

// lifecycle is a started event sink.
type lifecycle interface {
	query.CacheObserver
	Stop(ctx context.Context) error
}

// buildEventSinks starts the configured Pub/Sub and BigQuery sinks.
func buildEventSinks(ctx context.Context, cfg *config.Config, res *resources, logger zerolog.Logger) ([]lifecycle, error) {
	var sinks []lifecycle
	if cfg.Events.Pubsub.Enabled {
		client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("pubsub.NewClient: %w", err)
		}
		res.add(client.Close)
		pcfg := events.NewPubsubPublisherDefaults()
		pcfg.ProjectID = cfg.ProjectID
		pcfg.TopicID = cfg.Events.Pubsub.TopicID
		publisher, err := events.NewPubsubPublisher(ctx, pcfg, client, logger)
		if err != nil {
			return nil, err
		}
		publisher.Start(ctx)
		sinks = append(sinks, publisher)
	}
	if cfg.Events.BigQuery.Enabled {
		client, err := bigquery.NewClient(ctx, cfg.ProjectID, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("bigquery.NewClient: %w", err)
		}
		res.add(client.Close)
		inserter, err := events.NewBigQueryInserter(ctx, client, &events.BigQueryConfig{
			DatasetID: cfg.Events.BigQuery.DatasetID,
			TableID:   cfg.Events.BigQuery.TableID,
		}, logger)
		if err != nil {
			return nil, err
		}
		archiver := events.NewEventArchiver(events.ArchiverConfig{
			BatchSize:     cfg.Events.BigQuery.BatchSize,
			FlushInterval: time.Duration(cfg.Events.BigQuery.FlushInterval),
		}, inserter, logger)
		archiver.Start(ctx)
		sinks = append(sinks, archiver)
	}
	return sinks, nil
}
