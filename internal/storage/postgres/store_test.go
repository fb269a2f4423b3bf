package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/internal/storage/postgres"
	"github.com/scrypster/canopy/internal/storage/storagetest"
)

// postgresTestDSN returns the DSN for the test database.
// If CANOPY_TEST_POSTGRES_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("CANOPY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CANOPY_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore opens a store against the test database and empties the
// entities table.
func newTestStore(t *testing.T, opts postgres.Options) *postgres.Store {
	t.Helper()

	dsn := postgresTestDSN(t)
	if opts.Dimension == 0 {
		opts.Dimension = storagetest.Dimension
	}

	store, err := postgres.Open(context.Background(), dsn, opts)
	require.NoError(t, err, "Open should succeed")
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.TruncateForTest(context.Background()), "truncate entities")
	return store
}

func TestBackendConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return newTestStore(t, postgres.Options{})
	})
}

func TestBackendConformance_InProcessRanking(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store := newTestStore(t, postgres.Options{DisablePgvector: true})
		require.False(t, store.PgvectorAvailable())
		return store
	})
}

func TestBackendConformance_Float16(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return newTestStore(t, postgres.Options{Encoding: storage.EncodingFloat16})
	})
}

func TestOpen_RejectsUnknownEncoding(t *testing.T) {
	_, err := postgres.Open(context.Background(), "postgres://unused", postgres.Options{Encoding: "int8"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported vector encoding")
}

func TestOptionsNormalize(t *testing.T) {
	var opts postgres.Options
	opts.Normalize()
	assert.Equal(t, storage.EncodingFloat32, opts.Encoding)
	assert.Equal(t, 25, opts.MaxOpenConns)
	assert.Equal(t, 5, opts.MaxIdleConns)
	assert.NotNil(t, opts.Logger)
}
