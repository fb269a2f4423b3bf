package embedding

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

var now = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func newManager(t *testing.T, gen Generator) *Manager {
	t.Helper()
	m, err := NewManager(Options{Dimension: 4, Model: "test-model", Generator: gen})
	require.NoError(t, err)
	return m
}

func TestNewManager_RejectsZeroDimension(t *testing.T) {
	_, err := NewManager(Options{})
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func TestPrepare_StandIn(t *testing.T) {
	m := newManager(t, nil)
	e := &types.Entity{ID: "a", Type: types.TypeText}

	require.NoError(t, m.Prepare(e, Input{}, now))
	assert.Equal(t, []float32{0, 0, 0, 0}, e.Embeddings.Individual)
	assert.Equal(t, e.Embeddings.Individual, e.Embeddings.Vector)
	assert.Nil(t, e.Embeddings.Contextual)
	assert.Nil(t, e.Embeddings.Hierarchical)
	assert.Empty(t, e.Embeddings.Model)
	assert.Nil(t, e.Embeddings.GeneratedAt)
	assert.False(t, HasRealEmbedding(e))
}

func TestPrepare_RealVectors(t *testing.T) {
	m := newManager(t, nil)
	e := &types.Entity{ID: "a", Type: types.TypeText}
	in := Input{
		Individual:   []float32{0.1, 0.2, 0.3, 0.4},
		Hierarchical: []float32{1, 0, 0, 0},
	}

	require.NoError(t, m.Prepare(e, in, now.In(time.FixedZone("x", 3600))))
	assert.Equal(t, in.Individual, e.Embeddings.Individual)
	assert.Equal(t, in.Individual, e.Embeddings.Vector)
	assert.Equal(t, in.Hierarchical, Vector(e, Hierarchical))
	assert.Nil(t, Vector(e, Contextual))
	assert.Equal(t, "test-model", e.Embeddings.Model)
	require.NotNil(t, e.Embeddings.GeneratedAt)
	assert.Equal(t, now, *e.Embeddings.GeneratedAt)
	assert.True(t, HasRealEmbedding(e))

	// The entity owns its vectors.
	in.Individual[0] = 9
	assert.InDelta(t, 0.1, e.Embeddings.Individual[0], 1e-6)
	assert.InDelta(t, 0.1, e.Embeddings.Vector[0], 1e-6)
}

func TestPrepare_ExplicitModel(t *testing.T) {
	m := newManager(t, nil)
	e := &types.Entity{ID: "a", Type: types.TypeText}
	require.NoError(t, m.Prepare(e, Input{Individual: []float32{1, 1, 1, 1}, Model: "clip-v2"}, now))
	assert.Equal(t, "clip-v2", e.Embeddings.Model)
}

func TestPrepare_DimensionMismatch(t *testing.T) {
	m := newManager(t, nil)
	tests := []struct {
		name string
		in   Input
	}{
		{"individual short", Input{Individual: []float32{1, 2, 3}}},
		{"contextual long", Input{Individual: []float32{1, 2, 3, 4}, Contextual: []float32{1, 2, 3, 4, 5}}},
		{"hierarchical empty", Input{Hierarchical: []float32{}}},
		{"nan", Input{Individual: []float32{1, float32(math.NaN()), 0, 0}}},
		{"inf", Input{Contextual: []float32{float32(math.Inf(1)), 0, 0, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &types.Entity{ID: "a", Type: types.TypeText}
			e.Embeddings.Individual = []float32{7, 7, 7, 7}

			err := m.Prepare(e, tt.in, now)
			assert.ErrorIs(t, err, storage.ErrValidation)
			assert.Equal(t, []float32{7, 7, 7, 7}, e.Embeddings.Individual, "entity untouched on error")
		})
	}
}

func TestInputOf(t *testing.T) {
	m := newManager(t, nil)
	e := &types.Entity{ID: "a", Type: types.TypeText}
	require.NoError(t, m.Prepare(e, Input{Contextual: []float32{1, 0, 0, 0}}, now))

	in := InputOf(e)
	assert.Nil(t, in.Individual, "stand-in is not carried over as a real vector")
	assert.Equal(t, []float32{1, 0, 0, 0}, in.Contextual)

	require.NoError(t, m.Prepare(e, Input{Individual: []float32{0, 1, 0, 0}, Model: "m1"}, now))
	in = InputOf(e)
	assert.Equal(t, []float32{0, 1, 0, 0}, in.Individual)
	assert.Equal(t, "m1", in.Model)
}

func TestContentOf(t *testing.T) {
	img := &types.Entity{
		ID:   "i",
		Type: types.TypeImage,
		Metadata: types.ImageMeta(types.ImageMetadata{
			MimeType:    "image/png",
			Description: "a sunset",
			Data:        []byte{0x89, 'P', 'N', 'G'},
		}),
	}
	c := ContentOf(img)
	assert.Equal(t, "a sunset", c.Text)
	assert.Equal(t, "image/png", c.MimeType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, c.Image)

	txt := ContentOf(&types.Entity{ID: "t", Type: types.TypeText, Content: "hello"})
	assert.Equal(t, Content{Text: "hello"}, txt)
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		m := newManager(t, GeneratorFunc(func(_ context.Context, c Content) (Embedding, error) {
			return Embedding{Vector: []float32{1, 2, 3, 4}, Model: "gen-" + c.Text}, nil
		}))
		in, err := m.Generate(ctx, Content{Text: "x"})
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2, 3, 4}, in.Individual)
		assert.Equal(t, "gen-x", in.Model)
	})

	t.Run("upstream failure", func(t *testing.T) {
		m := newManager(t, GeneratorFunc(func(context.Context, Content) (Embedding, error) {
			return Embedding{}, errors.New("503")
		}))
		_, err := m.Generate(ctx, Content{Text: "x"})
		assert.ErrorIs(t, err, ErrUpstream)
		assert.NotErrorIs(t, err, storage.ErrValidation)
	})

	t.Run("wrong dimension", func(t *testing.T) {
		m := newManager(t, GeneratorFunc(func(context.Context, Content) (Embedding, error) {
			return Embedding{Vector: []float32{1, 2}}, nil
		}))
		_, err := m.Generate(ctx, Content{Text: "x"})
		assert.ErrorIs(t, err, storage.ErrValidation)
	})

	t.Run("no generator", func(t *testing.T) {
		m := newManager(t, nil)
		_, err := m.Generate(ctx, Content{Text: "x"})
		assert.ErrorIs(t, err, ErrUpstream)
	})
}
