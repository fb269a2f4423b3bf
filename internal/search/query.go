package search

import (
	"time"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// QueryVectors carries one query embedding per level. Levels left nil are
// not searched.
type QueryVectors struct {
	Individual   []float32
	Contextual   []float32
	Hierarchical []float32
}

// Of returns the query vector for level.
func (v QueryVectors) Of(level storage.VectorLevel) []float32 {
	switch level {
	case storage.LevelContextual:
		return v.Contextual
	case storage.LevelHierarchical:
		return v.Hierarchical
	default:
		return v.Individual
	}
}

// Query is one hybrid search request.
type Query struct {
	Vectors QueryVectors

	// PrimaryType is the modality the query was embedded from.
	PrimaryType types.EntityType

	// Types restricts candidates to these types. Empty means the primary
	// type alone, or every type when cross-modal or no primary type is set.
	Types []types.EntityType

	// CrossModal admits candidates of other types than PrimaryType and
	// grants them the cross-modal bonus.
	CrossModal bool

	// EnableLevelFusion scores a candidate by the level-weighted mean of
	// its per-level similarities instead of the best one.
	EnableLevelFusion bool

	// AnchorID is the entity structural proximity is measured from.
	AnchorID string

	// RootID restricts candidates to one subtree, the root included.
	RootID string

	// Weights overrides the configured weights for this query.
	Weights *Weights

	// MaxResults and MinSimilarity override the configured limits when set.
	MaxResults    int
	MinSimilarity *float64

	// Now is the reference time for temporal decay. Zero means time.Now.
	Now time.Time

	// Trace records scoring events on the response.
	Trace bool
}

// Factors breaks a final score into its components.
type Factors struct {
	Semantic   float64 `json:"semantic"`
	Structural float64 `json:"structural"`
	Temporal   float64 `json:"temporal"`
	CrossModal float64 `json:"cross_modal"`
}

// Result is one ranked entity.
type Result struct {
	Entity     *types.Entity
	FinalScore float64
	Factors    Factors

	// Levels holds the raw cosine similarity per level that matched.
	Levels map[storage.VectorLevel]float64
}

// Response is the outcome of a hybrid search.
type Response struct {
	Results []Result

	// Partial is set when the time budget ran out before every candidate
	// was retrieved and scored.
	Partial bool

	Trace []TraceEvent
}

// Err reports storage.ErrPartialResult for partial responses.
func (r *Response) Err() error {
	if r.Partial {
		return storage.ErrPartialResult
	}
	return nil
}

// IDs returns the result ids in rank order.
func (r *Response) IDs() []string {
	out := make([]string, len(r.Results))
	for i, res := range r.Results {
		out[i] = res.Entity.ID
	}
	return out
}

// VectorSearchOptions configures the plain similarity path.
type VectorSearchOptions struct {
	Types  []types.EntityType
	Level  storage.VectorLevel
	RootID string
	Limit  int
}
