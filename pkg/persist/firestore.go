package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore persister.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

type firestoreRow struct {
	Key       string    `firestore:"key"`
	Value     string    `firestore:"value"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// FirestorePersister stores one document per query in a Firestore collection.
// Suitable for low volume deployments; use Redis for high write rates.
type FirestorePersister struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestorePersister creates a FirestorePersister on an injected client.
func NewFirestorePersister(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestorePersister, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestorePersister initialized.")

	return &FirestorePersister{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestorePersister").Logger(),
	}, nil
}

func (p *FirestorePersister) doc(key string) *firestore.DocumentRef {
	// Serialized keys may contain '/', which Firestore reserves for paths.
	return p.client.Collection(p.collectionName).Doc(encodeKey(key))
}

// Persist writes the document for key.
func (p *FirestorePersister) Persist(ctx context.Context, key string, data query.PersistedData) error {
	row := firestoreRow{Key: key, Value: data.Value, UpdatedAt: data.UpdatedAt}
	if _, err := p.doc(key).Set(ctx, row); err != nil {
		p.logger.Error().Err(err).Str("key", key).Msg("Failed to write document to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", key, err)
	}
	p.logger.Debug().Str("key", key).Msg("Successfully wrote row to Firestore.")
	return nil
}

// Remove deletes the document for key.
func (p *FirestorePersister) Remove(ctx context.Context, key string) error {
	if _, err := p.doc(key).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete for %s: %w", key, err)
	}
	return nil
}

// Retrieve reads the document for key.
func (p *FirestorePersister) Retrieve(ctx context.Context, key string) (query.PersistedData, bool, error) {
	docSnap, err := p.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return query.PersistedData{}, false, nil
		}
		p.logger.Error().Err(err).Str("key", key).Msg("Failed to get document from Firestore.")
		return query.PersistedData{}, false, fmt.Errorf("firestore get for %s: %w", key, err)
	}

	var row firestoreRow
	if err := docSnap.DataTo(&row); err != nil {
		return query.PersistedData{}, false, fmt.Errorf("firestore DataTo for %s: %w", key, err)
	}
	return query.PersistedData{Value: row.Value, UpdatedAt: row.UpdatedAt}, true, nil
}

// Clear deletes every document of the collection.
func (p *FirestorePersister) Clear(ctx context.Context) error {
	iter := p.client.Collection(p.collectionName).Documents(ctx)
	defer iter.Stop()

	deleted := 0
	for {
		docSnap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("firestore list of %s: %w", p.collectionName, err)
		}
		if _, err := docSnap.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("firestore delete of %s: %w", docSnap.Ref.ID, err)
		}
		deleted++
	}
	p.logger.Info().Int("deleted", deleted).Msg("Cleared persisted rows from Firestore.")
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (p *FirestorePersister) Close() error {
	p.logger.Info().Msg("FirestorePersister does not close the injected Firestore client.")
	return nil
}
