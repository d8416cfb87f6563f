package retrieval

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/tenantdb/internal/reconciler"
	"github.com/scrypster/tenantdb/internal/schema"
	"github.com/scrypster/tenantdb/internal/storage"
	"github.com/scrypster/tenantdb/pkg/types"
)

// postgresTestDSN returns the DSN of a pgvector-enabled test database.
// If TENANTDB_TEST_POSTGRES_DSN is not set, the test is skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TENANTDB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TENANTDB_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func unitVector(axis int) []float32 {
	v := make([]float32, schema.EmbeddingDimension)
	v[axis] = 1
	return v
}

func TestPGStore_InsertNearestSearch(t *testing.T) {
	dsn := postgresTestDSN(t)
	ctx := context.Background()

	pool := storage.NewPool(storage.Postgres)
	defer func() { _ = pool.Close() }()

	_, err := reconciler.New(pool).InitializeAll(ctx, dsn, "")
	require.NoError(t, err)

	tenant := "test-" + uuid.NewString()
	db, err := pool.DB(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM documents WHERE tenant_id = $1`, tenant)
	})

	now := time.Now().UTC().Truncate(time.Millisecond)
	chunks := []types.Chunk{
		{ID: uuid.NewString(), FileName: "a.txt", Content: "Exact 100% match", TenantID: tenant, Embedding: unitVector(0), CreatedAt: now},
		{ID: uuid.NewString(), FileName: "a.txt", Content: "orthogonal", TenantID: tenant, ChunkIndex: 1, Embedding: unitVector(1), CreatedAt: now},
	}
	store := NewPGStore(pool)
	require.NoError(t, store.Insert(ctx, dsn, chunks))

	hits, err := store.Nearest(ctx, dsn, unitVector(0), 5, NearestFilter{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "Exact 100% match", hits[0].Chunk.Content)
	assert.InDelta(t, 0, hits[0].Distance, 1e-6)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	found, err := store.Search(ctx, dsn, "100%", types.SearchFilter{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, found, 1, "percent sign is matched literally")
	assert.Equal(t, chunks[0].ID, found[0].ID)
}
