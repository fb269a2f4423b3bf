package storage

import (
	"time"

	"github.com/scrypster/canopy/pkg/types"
)

// Filter is an equality/range predicate over the indexed entity columns.
// Zero-valued fields do not constrain the result.
type Filter struct {
	// IDs restricts results to the given identifiers.
	IDs []string

	// RootID matches rows whose stamped root_id equals this value. Roots
	// themselves carry no root_id and are therefore not matched.
	RootID string

	// ParentID matches direct children of this entity.
	ParentID string

	// Types restricts results to the given entity types.
	Types []types.EntityType

	// ExcludeTypes drops rows of the given entity types.
	ExcludeTypes []types.EntityType

	// RootType matches rows whose stamped root_type equals this value.
	RootType types.EntityType

	// RootsOnly restricts results to entities without a parent.
	RootsOnly bool

	// EmbeddedOnly restricts results to entities whose individual vector
	// is a real embedding, excluding zero stand-ins.
	EmbeddedOnly bool

	// CreatedAfter filters to rows created strictly after this time.
	CreatedAfter time.Time

	// CreatedBefore filters to rows created strictly before this time.
	CreatedBefore time.Time

	// AfterID switches ordering to id ascending and returns rows with
	// id > AfterID. Used for keyset pagination over large subtrees.
	AfterID string

	// Limit caps the number of rows returned (0 = no cap).
	Limit int
}

// KeysetPaged reports whether results are ordered by id for pagination.
// Any filter with a Limit or an AfterID cursor is keyset paged.
func (f Filter) KeysetPaged() bool {
	return f.AfterID != "" || f.Limit > 0
}

// Matches evaluates the filter against a single entity. In-process backends
// use it directly; SQL backends translate the same predicate to WHERE clauses.
func (f Filter) Matches(e *types.Entity) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if f.RootID != "" && e.Hierarchy.RootID != f.RootID {
		return false
	}
	if f.ParentID != "" && e.Hierarchy.ParentID != f.ParentID {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.ExcludeTypes) > 0 && containsType(f.ExcludeTypes, e.Type) {
		return false
	}
	if f.RootType != "" && e.Hierarchy.RootType != f.RootType {
		return false
	}
	if f.RootsOnly && e.Hierarchy.ParentID != "" {
		return false
	}
	if f.EmbeddedOnly && e.Embeddings.Model == "" && e.Embeddings.GeneratedAt == nil {
		return false
	}
	if !f.CreatedAfter.IsZero() && !e.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !e.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if f.AfterID != "" && e.ID <= f.AfterID {
		return false
	}
	return true
}

// VectorLevel selects which embedding column a vector search compares against.
type VectorLevel string

const (
	LevelIndividual   VectorLevel = "individual"
	LevelContextual   VectorLevel = "contextual"
	LevelHierarchical VectorLevel = "hierarchical"
	LevelLegacy       VectorLevel = "vector"
)

// HoldsStandIns reports whether rows may carry a zero stand-in at l.
// Only the individual vector and its legacy mirror are ever filled in.
func (l VectorLevel) HoldsStandIns() bool {
	return l == LevelIndividual || l == LevelLegacy
}

// Levels lists the levels in their canonical order.
var Levels = []VectorLevel{LevelIndividual, LevelContextual, LevelHierarchical}

// Valid reports whether l names a known embedding column.
func (l VectorLevel) Valid() bool {
	switch l {
	case LevelIndividual, LevelContextual, LevelHierarchical, LevelLegacy:
		return true
	}
	return false
}

// Column returns the persisted column name for the level.
func (l VectorLevel) Column() string {
	switch l {
	case LevelContextual:
		return "contextual_vector"
	case LevelHierarchical:
		return "hierarchical_vector"
	case LevelLegacy:
		return "vector"
	default:
		return "individual_vector"
	}
}

// Of returns the entity's vector for the level (nil when absent).
func (l VectorLevel) Of(e *types.Entity) []float32 {
	switch l {
	case LevelContextual:
		return e.Embeddings.Contextual
	case LevelHierarchical:
		return e.Embeddings.Hierarchical
	case LevelLegacy:
		return e.Embeddings.Vector
	default:
		return e.Embeddings.Individual
	}
}

// VectorQuery asks for the K nearest rows to Vector by cosine similarity.
type VectorQuery struct {
	Vector []float32
	Level  VectorLevel
	K      int
	Filter Filter
}

// Normalize applies defaults to the query.
func (q *VectorQuery) Normalize() {
	if !q.Level.Valid() {
		q.Level = LevelIndividual
	}
	if q.K < 1 {
		q.K = 10
	}
	if q.K > MaxVectorK {
		q.K = MaxVectorK
	}
}

// MaxVectorK caps the number of neighbours a single vector search returns.
const MaxVectorK = 1000

// VectorHit is one nearest-neighbour result. Similarity is the raw cosine
// similarity in [-1, 1].
type VectorHit struct {
	Entity     *types.Entity
	Similarity float64
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(ts []types.EntityType, t types.EntityType) bool {
	for _, v := range ts {
		if v == t {
			return true
		}
	}
	return false
}
