package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// GCSConfig holds configuration for the GCS persister.
type GCSConfig struct {
	BucketName   string
	ObjectPrefix string
}

type gcsRow struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GCSPersister stores one JSON object per query in a Cloud Storage bucket.
type GCSPersister struct {
	client GCSClient
	bucket GCSBucketHandle
	prefix string
	logger zerolog.Logger
}

// NewGCSPersister creates a GCSPersister. The client lifecycle is managed by
// the caller.
func NewGCSPersister(cfg *GCSConfig, client GCSClient, logger zerolog.Logger) (*GCSPersister, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	logger.Info().Str("bucket", cfg.BucketName).Str("prefix", cfg.ObjectPrefix).Msg("GCSPersister initialized.")
	return &GCSPersister{
		client: client,
		bucket: client.Bucket(cfg.BucketName),
		prefix: cfg.ObjectPrefix,
		logger: logger.With().Str("component", "GCSPersister").Logger(),
	}, nil
}

func (p *GCSPersister) objectName(key string) string {
	return p.prefix + encodeKey(key) + ".json"
}

// Persist writes the object for key.
func (p *GCSPersister) Persist(ctx context.Context, key string, data query.PersistedData) error {
	body, err := json.Marshal(gcsRow{Key: key, Value: data.Value, UpdatedAt: data.UpdatedAt})
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	objectName := p.objectName(key)
	w := p.bucket.Object(objectName).NewWriter(ctx)
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write object %s: %w", objectName, err)
	}
	// The object is only committed on Close.
	if err := w.Close(); err != nil {
		p.logger.Error().Err(err).Str("object", objectName).Msg("Failed to finalize GCS object.")
		return fmt.Errorf("failed to close writer for %s: %w", objectName, err)
	}
	p.logger.Debug().Str("object", objectName).Msg("Persisted row to GCS.")
	return nil
}

// Remove deletes the object for key.
func (p *GCSPersister) Remove(ctx context.Context, key string) error {
	err := p.bucket.Object(p.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete object for %s: %w", key, err)
	}
	return nil
}

// Retrieve reads the object for key.
func (p *GCSPersister) Retrieve(ctx context.Context, key string) (query.PersistedData, bool, error) {
	r, err := p.bucket.Object(p.objectName(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return query.PersistedData{}, false, nil
	}
	if err != nil {
		return query.PersistedData{}, false, fmt.Errorf("failed to open object for %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	body, err := io.ReadAll(r)
	if err != nil {
		return query.PersistedData{}, false, fmt.Errorf("failed to read object for %s: %w", key, err)
	}
	var row gcsRow
	if err := json.Unmarshal(body, &row); err != nil {
		return query.PersistedData{}, false, fmt.Errorf("failed to unmarshal object for %s: %w", key, err)
	}
	return query.PersistedData{Value: row.Value, UpdatedAt: row.UpdatedAt}, true, nil
}

// Clear deletes every object under the configured prefix.
func (p *GCSPersister) Clear(ctx context.Context) error {
	it := p.bucket.Objects(ctx, &storage.Query{Prefix: p.prefix})
	deleted := 0
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		if err := p.bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("failed to delete object %s: %w", attrs.Name, err)
		}
		deleted++
	}
	p.logger.Info().Int("deleted", deleted).Msg("Cleared persisted rows from GCS.")
	return nil
}

// Close is a no-op; the storage client is owned by the caller.
func (p *GCSPersister) Close() error {
	return nil
}
