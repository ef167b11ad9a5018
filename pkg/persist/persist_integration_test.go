//go:build integration

package persist_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-querycache/pkg/persist"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func requireEnv(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("%s not set, skipping integration test", name)
	}
	return v
}

func TestRedisPersister_Integration(t *testing.T) {
	addr := requireEnv(t, "REDIS_ADDR")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	p, err := persist.NewRedisPersister(ctx, &persist.RedisConfig{
		Addr:      addr,
		KeyPrefix: "querycache-test:",
		TTL:       time.Minute,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	exercisePersister(t, p)
}

func TestFirestorePersister_Integration(t *testing.T) {
	requireEnv(t, "FIRESTORE_EMULATOR_HOST")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	const projectID = "test-project"
	client, err := firestore.NewClient(ctx, projectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	p, err := persist.NewFirestorePersister(&persist.FirestoreConfig{
		ProjectID:      projectID,
		CollectionName: "querycache-test",
	}, client, zerolog.Nop())
	require.NoError(t, err)

	exercisePersister(t, p)
}

func TestGCSPersister_Integration(t *testing.T) {
	host := requireEnv(t, "STORAGE_EMULATOR_HOST")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	client, err := storage.NewClient(ctx, option.WithoutAuthentication(), option.WithEndpoint("http://"+host+"/storage/v1/"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	const bucketName = "querycache-test"
	_ = client.Bucket(bucketName).Create(ctx, "test-project", nil)

	p, err := persist.NewGCSPersister(&persist.GCSConfig{BucketName: bucketName, ObjectPrefix: "cache/"},
		persist.NewGCSClientAdapter(client), zerolog.Nop())
	require.NoError(t, err)

	exercisePersister(t, p)
}
