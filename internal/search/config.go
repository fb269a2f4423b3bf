package search

import (
	"fmt"
	"math"
	"time"

	"github.com/scrypster/canopy/internal/storage"
)

// Weights scale the three score components. They are used as given: the
// engine never rescales them to sum to one.
type Weights struct {
	Semantic   float64 `yaml:"semantic"`
	Structural float64 `yaml:"structural"`
	Temporal   float64 `yaml:"temporal"`
}

// LevelWeights scale per-level similarities when level fusion is enabled.
type LevelWeights struct {
	Individual   float64 `yaml:"individual"`
	Contextual   float64 `yaml:"contextual"`
	Hierarchical float64 `yaml:"hierarchical"`
}

// Of returns the weight for level.
func (w LevelWeights) Of(level storage.VectorLevel) float64 {
	switch level {
	case storage.LevelContextual:
		return w.Contextual
	case storage.LevelHierarchical:
		return w.Hierarchical
	default:
		return w.Individual
	}
}

// Config holds the tunables of the hybrid search engine.
type Config struct {
	Weights      Weights      `yaml:"weights"`
	LevelWeights LevelWeights `yaml:"level_weights"`

	// CrossModalBonus is added to candidates whose type differs from the
	// query's primary type when cross-modal matching is requested.
	CrossModalBonus float64 `yaml:"cross_modal_bonus"`

	// TemporalDecayPerHour is the rate of the exponential recency decay.
	TemporalDecayPerHour float64 `yaml:"temporal_decay_per_hour"`

	// StructuralDecayPerHop is the factor applied per hop from the anchor.
	StructuralDecayPerHop float64 `yaml:"structural_decay_per_hop"`

	// MaxHops bounds the structural walk. Candidates further away score 0.
	MaxHops int `yaml:"max_hops"`

	// MaxStructuralNodes bounds how many entities the structural walk loads.
	MaxStructuralNodes int `yaml:"max_structural_nodes"`

	MaxResults             int           `yaml:"max_results"`
	MinSimilarityThreshold float64       `yaml:"min_similarity_threshold"`
	SearchTimeout          time.Duration `yaml:"search_timeout"`

	// CandidateMultiplier sizes each backend request at MaxResults times
	// this value, leaving room for re-ranking.
	CandidateMultiplier int `yaml:"candidate_multiplier"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Weights:               Weights{Semantic: 0.6, Structural: 0.2, Temporal: 0.2},
		LevelWeights:          LevelWeights{Individual: 0.6, Contextual: 0.25, Hierarchical: 0.15},
		CrossModalBonus:       0.1,
		TemporalDecayPerHour:  0.01,
		StructuralDecayPerHop: 0.5,
		MaxHops:               3,
		MaxStructuralNodes:    10000,

		MaxResults:             10,
		MinSimilarityThreshold: 0.1,
		SearchTimeout:          2 * time.Second,
		CandidateMultiplier:    3,
	}
}

// Validate rejects settings the scoring rules cannot work with.
func (c Config) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"weights.semantic", c.Weights.Semantic},
		{"weights.structural", c.Weights.Structural},
		{"weights.temporal", c.Weights.Temporal},
		{"level_weights.individual", c.LevelWeights.Individual},
		{"level_weights.contextual", c.LevelWeights.Contextual},
		{"level_weights.hierarchical", c.LevelWeights.Hierarchical},
		{"cross_modal_bonus", c.CrossModalBonus},
		{"temporal_decay_per_hour", c.TemporalDecayPerHour},
		{"structural_decay_per_hop", c.StructuralDecayPerHop},
		{"min_similarity_threshold", c.MinSimilarityThreshold},
	} {
		if f.v < 0 || math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("search: %s must be a non-negative number, got %v", f.name, f.v)
		}
	}
	if c.StructuralDecayPerHop > 1 {
		return fmt.Errorf("search: structural_decay_per_hop must be at most 1, got %v", c.StructuralDecayPerHop)
	}
	if c.MinSimilarityThreshold > 1 {
		return fmt.Errorf("search: min_similarity_threshold must be at most 1, got %v", c.MinSimilarityThreshold)
	}
	if c.MaxResults < 1 || c.MaxResults > storage.MaxVectorK {
		return fmt.Errorf("search: max_results must be in [1, %d], got %d", storage.MaxVectorK, c.MaxResults)
	}
	if c.MaxHops < 0 {
		return fmt.Errorf("search: max_hops must not be negative, got %d", c.MaxHops)
	}
	if c.MaxStructuralNodes < 1 {
		return fmt.Errorf("search: max_structural_nodes must be positive, got %d", c.MaxStructuralNodes)
	}
	if c.CandidateMultiplier < 1 {
		return fmt.Errorf("search: candidate_multiplier must be positive, got %d", c.CandidateMultiplier)
	}
	if c.SearchTimeout < 0 {
		return fmt.Errorf("search: search_timeout must not be negative, got %v", c.SearchTimeout)
	}
	return nil
}
