// Package storagetest provides a conformance suite that every
// storage.Backend implementation runs from its own tests.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// Dimension is the vector dimensionality the suite configures backends with.
const Dimension = 3

// Factory returns an empty backend configured for Dimension. The factory
// owns cleanup (normally via t.Cleanup).
type Factory func(t *testing.T) storage.Backend

// base is the suite's reference clock. Microsecond precision keeps the
// fixtures exact on every backend.
var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Entity builds a minimal valid entity created offset after the reference
// clock.
func Entity(id string, typ types.EntityType, offset time.Duration) *types.Entity {
	ts := base.Add(offset)
	return &types.Entity{
		ID:        id,
		Type:      typ,
		Content:   "content of " + id,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

// Run executes the full suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newBackend(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newBackend(t)) })
	t.Run("Upsert", func(t *testing.T) { testUpsert(t, newBackend(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newBackend(t)) })
	t.Run("DimensionRejected", func(t *testing.T) { testDimensionRejected(t, newBackend(t)) })
	t.Run("BatchAtomic", func(t *testing.T) { testBatchAtomic(t, newBackend(t)) })
	t.Run("Apply", func(t *testing.T) { testApply(t, newBackend(t)) })
	t.Run("ScanFilters", func(t *testing.T) { testScanFilters(t, newBackend(t)) })
	t.Run("KeysetPaging", func(t *testing.T) { testKeysetPaging(t, newBackend(t)) })
	t.Run("VectorSearch", func(t *testing.T) { testVectorSearch(t, newBackend(t)) })
	t.Run("VectorSearchFiltered", func(t *testing.T) { testVectorSearchFiltered(t, newBackend(t)) })
	t.Run("VectorSearchEmbeddedOnly", func(t *testing.T) { testVectorSearchEmbeddedOnly(t, newBackend(t)) })
	t.Run("MetadataPreserved", func(t *testing.T) { testMetadataPreserved(t, newBackend(t)) })
}

func testRoundTrip(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	generated := base.Add(time.Minute)

	root := Entity("root-1", types.TypeDate, 0)
	root.Hierarchy.ChildrenIDs = []string{"img-1"}

	img := Entity("img-1", types.TypeImage, time.Second)
	img.UpdatedAt = base.Add(2 * time.Second)
	img.Hierarchy = types.Hierarchy{
		ParentID: "root-1",
		RootID:   "root-1",
		RootType: types.TypeDate,
	}
	img.Metadata = types.ImageMeta(types.ImageMetadata{
		Filename: "beach.jpg",
		MimeType: "image/jpeg",
		Width:    640,
		Height:   480,
		EXIF:     json.RawMessage(`{"camera":"x100"}`),
		Data:     []byte{0xff, 0xd8, 0xff},
	})
	img.Embeddings = types.EmbeddingSet{
		Individual:   []float32{1, 0, 0},
		Contextual:   []float32{0, 1, 0},
		Hierarchical: []float32{0, 0, 1},
		Vector:       []float32{1, 0, 0},
		Model:        "clip-test",
		GeneratedAt:  &generated,
	}

	require.NoError(t, b.PutBatch(ctx, []*types.Entity{root, img}))

	got, err := b.Get(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, types.TypeImage, got.Type)
	assert.Equal(t, img.Content, got.Content)
	assert.True(t, img.CreatedAt.Equal(got.CreatedAt), "created_at")
	assert.True(t, img.UpdatedAt.Equal(got.UpdatedAt), "updated_at")
	assert.Equal(t, img.Hierarchy, got.Hierarchy)
	assert.Equal(t, img.Embeddings.Individual, got.Embeddings.Individual)
	assert.Equal(t, img.Embeddings.Contextual, got.Embeddings.Contextual)
	assert.Equal(t, img.Embeddings.Hierarchical, got.Embeddings.Hierarchical)
	assert.Equal(t, img.Embeddings.Vector, got.Embeddings.Vector)
	assert.Equal(t, "clip-test", got.Embeddings.Model)
	require.NotNil(t, got.Embeddings.GeneratedAt)
	assert.True(t, generated.Equal(*got.Embeddings.GeneratedAt))

	require.Equal(t, types.MetadataImage, got.Metadata.Kind)
	require.NotNil(t, got.Metadata.Image)
	assert.Equal(t, "beach.jpg", got.Metadata.Image.Filename)
	assert.Equal(t, uint32(640), got.Metadata.Image.Width)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, got.Metadata.Image.Data)
	assert.JSONEq(t, `{"camera":"x100"}`, string(got.Metadata.Image.EXIF))

	gotRoot, err := b.Get(ctx, "root-1")
	require.NoError(t, err)
	assert.True(t, gotRoot.IsRoot())
	assert.Equal(t, []string{"img-1"}, gotRoot.Hierarchy.ChildrenIDs)
	assert.Empty(t, gotRoot.Hierarchy.RootID)
	assert.Nil(t, gotRoot.Embeddings.Individual)
	assert.True(t, gotRoot.Metadata.IsEmpty())
}

func testGetMissing(t *testing.T, b storage.Backend) {
	_, err := b.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = b.Get(context.Background(), "")
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func testUpsert(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	e := Entity("e1", types.TypeText, 0)
	require.NoError(t, b.Put(ctx, e))

	e.Content = "rewritten"
	e.UpdatedAt = e.UpdatedAt.Add(time.Hour)
	require.NoError(t, b.Put(ctx, e))

	got, err := b.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "rewritten", got.Content)

	n, err := b.Count(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testDelete(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, Entity("e1", types.TypeText, 0)))

	require.NoError(t, b.Delete(ctx, "e1"))
	_, err := b.Get(ctx, "e1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, b.Delete(ctx, "e1"), storage.ErrNotFound)
}

func testDimensionRejected(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	e := Entity("e1", types.TypeText, 0)
	e.Embeddings.Individual = []float32{1, 2}

	err := b.Put(ctx, e)
	require.ErrorIs(t, err, storage.ErrValidation)

	_, err = b.Get(ctx, "e1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testBatchAtomic(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	good := Entity("good", types.TypeText, 0)
	bad := Entity("bad", types.TypeText, time.Second)
	bad.Embeddings.Contextual = []float32{1, 2, 3, 4}

	err := b.PutBatch(ctx, []*types.Entity{good, bad})
	require.ErrorIs(t, err, storage.ErrValidation)

	n, err := b.Count(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n, "a rejected batch must not write any row")
}

func testApply(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.PutBatch(ctx, []*types.Entity{
		Entity("a", types.TypeText, 0),
		Entity("b", types.TypeText, time.Second),
	}))

	c := Entity("c", types.TypeTask, 2*time.Second)
	require.NoError(t, b.Apply(ctx, []*types.Entity{c}, []string{"a"}))

	_, err := b.Get(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = b.Get(ctx, "c")
	assert.NoError(t, err)

	// Deleting an absent id inside Apply is not an error.
	require.NoError(t, b.Apply(ctx, nil, []string{"missing"}))
	require.NoError(t, b.Apply(ctx, nil, nil))
}

// seedTree writes:
//
//	day (date)
//	├── note (text)
//	└── photo (image)
//	    └── caption (text)
//	proj (project)
//	└── todo (task)
func seedTree(t *testing.T, b storage.Backend) {
	t.Helper()
	day := Entity("day", types.TypeDate, 0)
	day.Hierarchy.ChildrenIDs = []string{"note", "photo"}

	note := Entity("note", types.TypeText, time.Minute)
	note.Hierarchy = types.Hierarchy{ParentID: "day", RootID: "day", RootType: types.TypeDate}
	note.Embeddings.Individual = []float32{1, 0, 0}

	photo := Entity("photo", types.TypeImage, 2*time.Minute)
	photo.Hierarchy = types.Hierarchy{ParentID: "day", RootID: "day", RootType: types.TypeDate,
		BeforeSiblingID: "note", ChildrenIDs: []string{"caption"}}
	photo.Embeddings.Individual = []float32{0.9, 0.1, 0}

	caption := Entity("caption", types.TypeText, 3*time.Minute)
	caption.Hierarchy = types.Hierarchy{ParentID: "photo", RootID: "day", RootType: types.TypeDate}
	caption.Embeddings.Individual = []float32{0, 1, 0}
	caption.Embeddings.Contextual = []float32{1, 0, 0}

	proj := Entity("proj", types.TypeProject, 4*time.Minute)
	proj.Hierarchy.ChildrenIDs = []string{"todo"}

	todo := Entity("todo", types.TypeTask, 5*time.Minute)
	todo.Hierarchy = types.Hierarchy{ParentID: "proj", RootID: "proj", RootType: types.TypeProject}
	todo.Embeddings.Individual = []float32{0, 0, 1}
	todo.Metadata = types.TaskMeta(types.TaskMetadata{Status: types.TaskTodo})

	require.NoError(t, b.PutBatch(context.Background(), []*types.Entity{day, note, photo, caption, proj, todo}))
}

func ids(entities []*types.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}

func testScanFilters(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	seedTree(t, b)

	cases := []struct {
		name   string
		filter storage.Filter
		want   []string
	}{
		{"all in created order", storage.Filter{}, []string{"day", "note", "photo", "caption", "proj", "todo"}},
		{"root id", storage.Filter{RootID: "day"}, []string{"note", "photo", "caption"}},
		{"root and type", storage.Filter{RootID: "day", Types: []types.EntityType{types.TypeText}}, []string{"note", "caption"}},
		{"parent", storage.Filter{ParentID: "photo"}, []string{"caption"}},
		{"roots only", storage.Filter{RootsOnly: true}, []string{"day", "proj"}},
		{"root type", storage.Filter{RootType: types.TypeProject}, []string{"todo"}},
		{"exclude types", storage.Filter{RootID: "day", ExcludeTypes: []types.EntityType{types.TypeText}}, []string{"photo"}},
		{"ids", storage.Filter{IDs: []string{"todo", "day"}}, []string{"day", "todo"}},
		{"created after", storage.Filter{CreatedAfter: base.Add(3 * time.Minute)}, []string{"proj", "todo"}},
		{"created before", storage.Filter{CreatedBefore: base.Add(time.Minute)}, []string{"day"}},
		{"no match", storage.Filter{RootID: "nope"}, []string{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := b.Scan(ctx, tc.filter)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(got))

			n, err := b.Count(ctx, tc.filter)
			require.NoError(t, err)
			assert.Equal(t, len(tc.want), n)
		})
	}
}

func testKeysetPaging(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	var batch []*types.Entity
	for i := 0; i < 25; i++ {
		batch = append(batch, Entity(fmt.Sprintf("e%02d", 24-i), types.TypeText, time.Duration(i)*time.Second))
	}
	require.NoError(t, b.PutBatch(ctx, batch))

	var seen []string
	cursor := ""
	for {
		page, err := b.Scan(ctx, storage.Filter{AfterID: cursor, Limit: 10})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		seen = append(seen, ids(page)...)
		cursor = page[len(page)-1].ID
	}

	require.Len(t, seen, 25)
	for i, id := range seen {
		assert.Equal(t, fmt.Sprintf("e%02d", i), id)
	}
}

func testVectorSearch(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	seedTree(t, b)

	hits, err := b.VectorSearch(ctx, storage.VectorQuery{Vector: []float32{1, 0, 0}, K: 3})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "note", hits[0].Entity.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.Equal(t, "photo", hits[1].Entity.ID)
	assert.Greater(t, hits[1].Similarity, hits[2].Similarity)
	assert.Equal(t, "caption", hits[2].Entity.ID, "zero-similarity tie broken by id")

	// Rows are fully hydrated.
	assert.Equal(t, "day", hits[0].Entity.Hierarchy.RootID)

	ctxHits, err := b.VectorSearch(ctx, storage.VectorQuery{
		Vector: []float32{1, 0, 0},
		Level:  storage.LevelContextual,
		K:      10,
	})
	require.NoError(t, err)
	require.Len(t, ctxHits, 1, "only rows carrying the level's vector are candidates")
	assert.Equal(t, "caption", ctxHits[0].Entity.ID)

	_, err = b.VectorSearch(ctx, storage.VectorQuery{Vector: []float32{1, 0}})
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func testVectorSearchFiltered(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	seedTree(t, b)

	hits, err := b.VectorSearch(ctx, storage.VectorQuery{
		Vector: []float32{1, 0, 0},
		K:      10,
		Filter: storage.Filter{Types: []types.EntityType{types.TypeTask}},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "todo", hits[0].Entity.ID)

	hits, err = b.VectorSearch(ctx, storage.VectorQuery{
		Vector: []float32{0, 1, 0},
		K:      10,
		Filter: storage.Filter{RootID: "day"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "caption", hits[0].Entity.ID)
}

func testVectorSearchEmbeddedOnly(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	var rows []*types.Entity
	for i, id := range []string{"s1", "s2", "s3"} {
		e := Entity(id, types.TypeText, time.Duration(i)*time.Minute)
		e.Embeddings.Individual = make([]float32, Dimension)
		rows = append(rows, e)
	}
	embedded := Entity("real", types.TypeText, time.Hour)
	embedded.Embeddings.Individual = []float32{-0.5, 0.866, 0}
	embedded.Embeddings.Model = "test-model"
	rows = append(rows, embedded)
	require.NoError(t, b.PutBatch(ctx, rows))

	hits, err := b.VectorSearch(ctx, storage.VectorQuery{
		Vector: []float32{1, 0, 0},
		K:      1,
		Filter: storage.Filter{EmbeddedOnly: true},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "real", hits[0].Entity.ID)

	got, err := b.Scan(ctx, storage.Filter{EmbeddedOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, ids(got))
}

func testMetadataPreserved(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	var future types.Metadata
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"audio","codec":"opus","seconds":12}`), &future))

	var ghosted types.Metadata
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"task","status":"done","assignee":"sam"}`), &ghosted))

	kv, err := types.KVMeta(map[string]any{"mood": "sunny", "rating": 4})
	require.NoError(t, err)

	a := Entity("audio", "audio", 0)
	a.Metadata = future
	tk := Entity("task", types.TypeTask, time.Second)
	tk.Metadata = ghosted
	k := Entity("kv", types.TypeText, 2*time.Second)
	k.Metadata = kv
	require.NoError(t, b.PutBatch(ctx, []*types.Entity{a, tk, k}))

	gotA, err := b.Get(ctx, "audio")
	require.NoError(t, err)
	assert.Equal(t, types.MetadataKind("audio"), gotA.Metadata.Kind)
	out, err := json.Marshal(gotA.Metadata)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"audio","codec":"opus","seconds":12}`, string(out))

	gotT, err := b.Get(ctx, "task")
	require.NoError(t, err)
	require.NotNil(t, gotT.Metadata.Task)
	assert.Equal(t, types.TaskDone, gotT.Metadata.Task.Status)
	assert.JSONEq(t, `"sam"`, string(gotT.Metadata.Task.Ghost["assignee"]))

	gotK, err := b.Get(ctx, "kv")
	require.NoError(t, err)
	assert.JSONEq(t, `"sunny"`, string(gotK.Metadata.Values["mood"]))
}
