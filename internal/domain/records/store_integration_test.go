//go:build integration

package records

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/medrecords/prontuario/internal/platform/db"
	"github.com/medrecords/prontuario/internal/platform/mongodb"
)

// Run with: go test -tags integration ./internal/domain/records/
// against disposable databases named by the environment.

func TestMongoStore_Contract(t *testing.T) {
	uri := os.Getenv("PRONTUARIO_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("PRONTUARIO_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, database, err := mongodb.Connect(ctx, uri, "prontuario_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = database.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	for _, v := range Variants() {
		require.NoError(t, mongodb.EnsureIndexes(ctx, database, MongoIndexes(v)))
	}
	runStoreContract(t, func(_ *testing.T, v Variant) Store { return NewMongoStore(database, v) })
}

func TestPGStore_Contract(t *testing.T) {
	url := os.Getenv("PRONTUARIO_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PRONTUARIO_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: url})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.NewMigrator(pool, "../../../migrations").Up(ctx)
	require.NoError(t, err)

	runStoreContract(t, func(_ *testing.T, v Variant) Store { return NewPGStore(pool, v) })
}
