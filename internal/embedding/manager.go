// Package embedding validates and completes the vector set carried by every
// entity: it enforces the deployment dimensionality, fills zero stand-ins
// for missing vectors and keeps the legacy single-vector field in sync.
package embedding

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// Level selects one of the per-entity vectors.
type Level = storage.VectorLevel

const (
	Individual   = storage.LevelIndividual
	Contextual   = storage.LevelContextual
	Hierarchical = storage.LevelHierarchical
)

// DefaultModel is recorded when vectors are supplied without a model name.
const DefaultModel = "external"

// Input carries caller-supplied vectors. A nil slice means "not supplied".
type Input struct {
	Individual   []float32
	Contextual   []float32
	Hierarchical []float32

	// Model names the generator that produced the vectors. Empty falls back
	// to the manager's model.
	Model string
}

// Empty reports whether no vector was supplied.
func (in Input) Empty() bool {
	return in.Individual == nil && in.Contextual == nil && in.Hierarchical == nil
}

// Options configures a Manager.
type Options struct {
	// Dimension is the fixed vector length of the deployment. Required.
	Dimension int

	// Model is recorded on entities whose Input names no model.
	Model string

	// Generator computes vectors for Manager.Generate. Optional.
	Generator Generator

	Logger *slog.Logger
}

// Manager applies the embedding rules of one deployment.
type Manager struct {
	dimension int
	model     string
	generator Generator
	logger    *slog.Logger
}

// NewManager validates opts and returns a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dimension <= 0 {
		return nil, storage.Validationf("embedding dimension must be positive, got %d", opts.Dimension)
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		dimension: opts.Dimension,
		model:     opts.Model,
		generator: opts.Generator,
		logger:    opts.Logger,
	}, nil
}

// Dimension returns the deployment vector length.
func (m *Manager) Dimension() int { return m.dimension }

// Model returns the default model name.
func (m *Manager) Model() string { return m.model }

// Validate checks every supplied vector against the deployment dimension.
func (m *Manager) Validate(in Input) error {
	for _, lv := range []struct {
		level Level
		vec   []float32
	}{
		{Individual, in.Individual},
		{Contextual, in.Contextual},
		{Hierarchical, in.Hierarchical},
	} {
		if err := m.CheckVector(lv.level, lv.vec); err != nil {
			return err
		}
	}
	return nil
}

// CheckVector validates one supplied vector. Nil passes.
func (m *Manager) CheckVector(level Level, v []float32) error {
	if v == nil {
		return nil
	}
	if len(v) != m.dimension {
		return storage.Validationf("%s vector has dimension %d, expected %d", level, len(v), m.dimension)
	}
	for i, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return storage.Validationf("%s vector: non-finite value at index %d", level, i)
		}
	}
	return nil
}

// Prepare validates in and replaces e's embedding set with it. A missing
// individual vector is replaced by the zero stand-in; Model and GeneratedAt
// are only recorded when a real individual vector was supplied, which is how
// readers tell a stand-in from a genuine embedding. The legacy Vector field
// always mirrors Individual. On error e is left untouched.
func (m *Manager) Prepare(e *types.Entity, in Input, now time.Time) error {
	if err := m.Validate(in); err != nil {
		if e.ID != "" {
			return fmt.Errorf("entity %s: %w", e.ID, err)
		}
		return err
	}

	set := types.EmbeddingSet{
		Individual:   slices.Clone(in.Individual),
		Contextual:   slices.Clone(in.Contextual),
		Hierarchical: slices.Clone(in.Hierarchical),
	}
	if set.Individual == nil {
		set.Individual = m.Zero()
	} else {
		set.Model = in.Model
		if set.Model == "" {
			set.Model = m.model
		}
		at := now.UTC()
		set.GeneratedAt = &at
	}
	set.Vector = slices.Clone(set.Individual)
	e.Embeddings = set
	return nil
}

// Zero returns the canonical stand-in vector.
func (m *Manager) Zero() []float32 {
	return make([]float32, m.dimension)
}

// Generate runs the configured generator on c and validates its output.
// Generator failures wrap ErrUpstream; a wrong-length result is a
// validation error.
func (m *Manager) Generate(ctx context.Context, c Content) (Input, error) {
	if m.generator == nil {
		return Input{}, fmt.Errorf("%w: no generator configured", ErrUpstream)
	}
	start := time.Now()
	emb, err := m.generator.Embed(ctx, c)
	if err != nil {
		return Input{}, upstream(err)
	}
	if len(emb.Vector) == 0 {
		return Input{}, fmt.Errorf("%w: generator returned no vector", ErrUpstream)
	}
	if err := m.CheckVector(Individual, emb.Vector); err != nil {
		return Input{}, fmt.Errorf("generator returned bad vector: %w", err)
	}
	m.logger.Debug("embedding: generated", "model", emb.Model, "duration", time.Since(start))
	return Input{Individual: emb.Vector, Model: emb.Model}, nil
}

// Vector returns e's vector at level, nil when absent.
func Vector(e *types.Entity, level Level) []float32 {
	return level.Of(e)
}

// HasRealEmbedding reports whether e carries a generated individual vector
// rather than the zero stand-in.
func HasRealEmbedding(e *types.Entity) bool {
	return e.Embeddings.Model != "" || e.Embeddings.GeneratedAt != nil
}

// InputOf returns e's current vectors as an Input, so an update can keep
// them while changing other fields.
func InputOf(e *types.Entity) Input {
	if !HasRealEmbedding(e) {
		return Input{Contextual: e.Embeddings.Contextual, Hierarchical: e.Embeddings.Hierarchical}
	}
	return Input{
		Individual:   e.Embeddings.Individual,
		Contextual:   e.Embeddings.Contextual,
		Hierarchical: e.Embeddings.Hierarchical,
		Model:        e.Embeddings.Model,
	}
}
