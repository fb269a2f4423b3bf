package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/canopy/pkg/types"
)

func TestEntityType_Valid(t *testing.T) {
	for _, typ := range []types.EntityType{types.TypeText, types.TypeImage, types.TypeDate, types.TypeTask, types.TypeProject, "audio_clip", "v2-note"} {
		assert.True(t, typ.Valid(), "%q", typ)
	}
	for _, typ := range []types.EntityType{"", "Text", "has space", "emoji🙂", "semi;colon"} {
		assert.False(t, typ.Valid(), "%q", typ)
	}
}

func TestEntity_Validate(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	valid := func() *types.Entity {
		return &types.Entity{ID: "A", Type: types.TypeText, CreatedAt: now, UpdatedAt: now}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*types.Entity){
		"blank id":          func(e *types.Entity) { e.ID = "  " },
		"bad type":          func(e *types.Entity) { e.Type = "Bad Type" },
		"own parent":        func(e *types.Entity) { e.Hierarchy.ParentID = "A" },
		"own root":          func(e *types.Entity) { e.Hierarchy.RootID = "A" },
		"own sibling":       func(e *types.Entity) { e.Hierarchy.BeforeSiblingID = "A" },
		"own child":         func(e *types.Entity) { e.Hierarchy.ChildrenIDs = []string{"B", "A"} },
		"parent as child":   func(e *types.Entity) { e.Hierarchy.ParentID = "P"; e.Hierarchy.ChildrenIDs = []string{"P"} },
		"updated too early": func(e *types.Entity) { e.UpdatedAt = now.Add(-time.Second) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := valid()
			mutate(e)
			assert.Error(t, e.Validate())
		})
	}
}

func TestEntity_RootHelpers(t *testing.T) {
	root := &types.Entity{ID: "D", Type: types.TypeDate}
	assert.True(t, root.IsRoot())
	assert.Equal(t, "D", root.EffectiveRootID())
	assert.Equal(t, types.TypeDate, root.EffectiveRootType())

	child := &types.Entity{ID: "A", Type: types.TypeText, Hierarchy: types.Hierarchy{ParentID: "D", RootID: "D", RootType: types.TypeDate}}
	assert.False(t, child.IsRoot())
	assert.Equal(t, "D", child.EffectiveRootID())
	assert.Equal(t, types.TypeDate, child.EffectiveRootType())

	unstamped := &types.Entity{ID: "B", Hierarchy: types.Hierarchy{ParentID: "A"}}
	assert.Empty(t, unstamped.EffectiveRootID())
	assert.Empty(t, unstamped.EffectiveRootType())
}

func TestEntity_Children(t *testing.T) {
	e := &types.Entity{ID: "P"}
	assert.True(t, e.AddChild("A"))
	assert.True(t, e.AddChild("B"))
	assert.False(t, e.AddChild("A"))
	assert.Equal(t, []string{"A", "B"}, e.Hierarchy.ChildrenIDs)

	shared := e.Hierarchy.ChildrenIDs
	assert.True(t, e.RemoveChild("A"))
	assert.False(t, e.RemoveChild("ghost"))
	assert.Equal(t, []string{"B"}, e.Hierarchy.ChildrenIDs)
	assert.Equal(t, []string{"A", "B"}, shared, "removal must not write through a shared slice")
}

func TestEntity_Touch(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	e := &types.Entity{CreatedAt: now, UpdatedAt: now}
	e.Touch(now.Add(time.Minute))
	assert.Equal(t, now.Add(time.Minute), e.UpdatedAt)
	e.Touch(now)
	assert.Equal(t, now.Add(time.Minute), e.UpdatedAt)
}

func TestEntity_Clone(t *testing.T) {
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	orig := &types.Entity{
		ID:        "I",
		Type:      types.TypeImage,
		Metadata:  types.ImageMeta(types.ImageMetadata{MimeType: "image/png", Data: []byte{1, 2}}),
		Hierarchy: types.Hierarchy{ChildrenIDs: []string{"X"}},
		Embeddings: types.EmbeddingSet{
			Individual:  []float32{1, 0},
			Contextual:  []float32{0, 1},
			Vector:      []float32{1, 0},
			GeneratedAt: &at,
		},
	}
	c := orig.Clone()
	require.Equal(t, orig, c)

	c.Hierarchy.ChildrenIDs[0] = "Y"
	c.Embeddings.Individual[0] = 9
	c.Embeddings.Contextual[0] = 9
	*c.Embeddings.GeneratedAt = at.Add(time.Hour)
	c.Metadata.Image.Data[0] = 9

	assert.Equal(t, "X", orig.Hierarchy.ChildrenIDs[0])
	assert.Equal(t, float32(1), orig.Embeddings.Individual[0])
	assert.Equal(t, float32(0), orig.Embeddings.Contextual[0])
	assert.Equal(t, at, *orig.Embeddings.GeneratedAt)
	assert.Equal(t, byte(1), orig.Metadata.Image.Data[0])

	var nilEntity *types.Entity
	assert.Nil(t, nilEntity.Clone())
}
