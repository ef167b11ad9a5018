package events

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
)

// EventRow is the archived form of a CacheEvent.
type EventRow struct {
	EventID      string                 `bigquery:"event_id"`
	EventType    string                 `bigquery:"event_type"`
	Key          string                 `bigquery:"key"`
	KeyType      string                 `bigquery:"key_type"`
	ValueType    string                 `bigquery:"value_type"`
	Status       bigquery.NullString    `bigquery:"status"`
	Value        bigquery.NullString    `bigquery:"value"`
	UpdatedAt    bigquery.NullTimestamp `bigquery:"updated_at"`
	ObserverKind bigquery.NullString    `bigquery:"observer_kind"`
	EventTime    time.Time              `bigquery:"event_time"`
}

// NewEventRow flattens a CacheEvent.
func NewEventRow(event query.CacheEvent) *EventRow {
	row := &EventRow{
		EventID:   uuid.NewString(),
		EventType: event.Type.String(),
		Key:       event.Key,
		KeyType:   event.KeyType,
		ValueType: event.ValueType,
		EventTime: event.Time,
	}
	if s := event.State; s != nil {
		row.Status = bigquery.NullString{StringVal: s.Status, Valid: true}
		if s.Value != "" {
			row.Value = bigquery.NullString{StringVal: s.Value, Valid: true}
		}
		if s.UpdatedAt != nil {
			row.UpdatedAt = bigquery.NullTimestamp{Timestamp: *s.UpdatedAt, Valid: true}
		}
	}
	if o := event.Observer; o != nil {
		row.ObserverKind = bigquery.NullString{StringVal: o.Kind, Valid: true}
	}
	return row
}

// EventInserter inserts a batch of archived events into a data store.
type EventInserter interface {
	InsertBatch(ctx context.Context, rows []*EventRow) error
	Close() error
}

// BigQueryConfig holds configuration for the BigQuery event table.
type BigQueryConfig struct {
	DatasetID string
	TableID   string
}

// BigQueryInserter streams EventRows into a BigQuery table.
type BigQueryInserter struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryInserter creates an inserter for the configured table, creating
// the table with an inferred schema if it does not exist.
func NewBigQueryInserter(ctx context.Context, client *bigquery.Client, cfg *BigQueryConfig, logger zerolog.Logger) (*BigQueryInserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQueryConfig cannot be nil")
	}
	logger = logger.With().
		Str("component", "BigQueryInserter").
		Str("project_id", client.Project()).
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := tableRef.Metadata(ctx); err != nil {
		var apiErr *googleapi.Error
		if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("BigQuery table not found. Attempting to create with inferred schema.")
		schema, err := bigquery.InferSchema(EventRow{})
		if err != nil {
			return nil, fmt.Errorf("failed to infer event schema: %w", err)
		}
		meta := &bigquery.TableMetadata{
			Schema:           schema,
			TimePartitioning: &bigquery.TimePartitioning{Field: "event_time"},
		}
		if err := tableRef.Create(ctx, meta); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		logger.Info().Msg("BigQuery table created successfully.")
	}

	return &BigQueryInserter{inserter: tableRef.Inserter(), logger: logger}, nil
}

// InsertBatch streams rows to the table, logging each failed row.
func (i *BigQueryInserter) InsertBatch(ctx context.Context, rows []*EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := i.inserter.Put(ctx, rows); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	i.logger.Debug().Int("batch_size", len(rows)).Msg("Inserted event batch into BigQuery.")
	return nil
}

// Close is a no-op; the BigQuery client lifecycle is managed externally.
func (i *BigQueryInserter) Close() error {
	return nil
}

// ArchiverConfig holds configuration for the EventArchiver.
type ArchiverConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	InsertTimeout time.Duration
}

// EventArchiver is a query.CacheObserver that batches cache events and
// writes them through an EventInserter.
type EventArchiver struct {
	config    ArchiverConfig
	inserter  EventInserter
	logger    zerolog.Logger
	inputChan chan *EventRow
	wg        sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped int
}

// NewEventArchiver creates a new EventArchiver.
func NewEventArchiver(cfg ArchiverConfig, inserter EventInserter, logger zerolog.Logger) *EventArchiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 30 * time.Second
	}
	return &EventArchiver{
		config:    cfg,
		inserter:  inserter,
		logger:    logger.With().Str("component", "EventArchiver").Logger(),
		inputChan: make(chan *EventRow, cfg.BatchSize*2),
	}
}

// OnCacheEvent implements query.CacheObserver.
func (a *EventArchiver) OnCacheEvent(event query.CacheEvent) {
	a.mu.RLock()
	if !a.closed {
		select {
		case a.inputChan <- NewEventRow(event):
			a.mu.RUnlock()
			return
		default:
		}
	}
	a.mu.RUnlock()

	a.mu.Lock()
	a.dropped++
	a.mu.Unlock()
}

// Dropped returns the number of events that could not be queued.
func (a *EventArchiver) Dropped() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dropped
}

// Start begins the batching worker.
func (a *EventArchiver) Start(ctx context.Context) {
	a.logger.Info().
		Int("batch_size", a.config.BatchSize).
		Dur("flush_interval", a.config.FlushInterval).
		Msg("Starting EventArchiver worker...")
	a.wg.Add(1)
	go a.worker(ctx)
}

// Stop flushes queued events and closes the inserter.
func (a *EventArchiver) Stop(ctx context.Context) error {
	a.logger.Info().Msg("Stopping EventArchiver...")
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.inputChan)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for EventArchiver worker to stop.")
		return ctx.Err()
	}

	if err := a.inserter.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Error closing event inserter.")
	}
	a.logger.Info().Msg("EventArchiver stopped.")
	return nil
}

func (a *EventArchiver) worker(ctx context.Context) {
	defer a.wg.Done()
	batch := make([]*EventRow, 0, a.config.BatchSize)
	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flush(context.Background(), batch)
			return
		case row, ok := <-a.inputChan:
			if !ok {
				a.flush(context.Background(), batch)
				return
			}
			batch = append(batch, row)
			if len(batch) >= a.config.BatchSize {
				a.flush(ctx, batch)
				batch = make([]*EventRow, 0, a.config.BatchSize)
				ticker.Reset(a.config.FlushInterval)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(ctx, batch)
				batch = make([]*EventRow, 0, a.config.BatchSize)
			}
		}
	}
}

func (a *EventArchiver) flush(ctx context.Context, batch []*EventRow) {
	if len(batch) == 0 {
		return
	}
	insertCtx, cancel := context.WithTimeout(ctx, a.config.InsertTimeout)
	defer cancel()
	if err := a.inserter.InsertBatch(insertCtx, batch); err != nil {
		a.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to archive event batch.")
		return
	}
	a.logger.Debug().Int("batch_size", len(batch)).Msg("Archived event batch.")
}
