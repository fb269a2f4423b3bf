package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/internal/storage/storagetest"
	"github.com/scrypster/canopy/pkg/types"
)

func TestBackendConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		s := New(Options{Dimension: storagetest.Dimension})
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestClonesAtBoundary(t *testing.T) {
	ctx := context.Background()
	s := New(Options{Dimension: 3})

	e := storagetest.Entity("e1", types.TypeText, 0)
	e.Embeddings.Individual = []float32{1, 0, 0}
	e.Hierarchy.ChildrenIDs = []string{"c1"}
	require.NoError(t, s.Put(ctx, e))

	// Mutating the caller's copy does not reach the store.
	e.Embeddings.Individual[0] = 9
	e.Hierarchy.ChildrenIDs[0] = "mutated"

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, got.Embeddings.Individual)
	assert.Equal(t, []string{"c1"}, got.Hierarchy.ChildrenIDs)

	// Nor does mutating a returned copy.
	got.Content = "changed"
	again, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "content of e1", again.Content)
}

func TestIndexesFollowUpdates(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})

	child := storagetest.Entity("child", types.TypeText, time.Second)
	child.Hierarchy = types.Hierarchy{ParentID: "a", RootID: "a", RootType: types.TypeDate}
	require.NoError(t, s.Put(ctx, child))

	n, err := s.Count(ctx, storage.Filter{RootID: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-parenting moves the row between index buckets.
	child.Hierarchy = types.Hierarchy{ParentID: "b", RootID: "b", RootType: types.TypeProject}
	require.NoError(t, s.Put(ctx, child))

	n, err = s.Count(ctx, storage.Filter{RootID: "a"})
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.Count(ctx, storage.Filter{RootType: types.TypeProject, ParentID: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, s.byRoot, "a", "empty buckets are dropped")
}

func TestOrdinalsReused(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})

	require.NoError(t, s.PutBatch(ctx, []*types.Entity{
		storagetest.Entity("a", types.TypeText, 0),
		storagetest.Entity("b", types.TypeText, time.Second),
	}))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Put(ctx, storagetest.Entity("c", types.TypeText, 2*time.Second)))

	assert.Len(t, s.ids, 2)
	assert.Equal(t, 2, s.Len())

	all, err := s.Scan(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, []string{all[0].ID, all[1].ID})
}

func TestClosedStore(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "x")
	assert.ErrorIs(t, err, storage.ErrBackend)
}
