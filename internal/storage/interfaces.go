// Package storage defines the backend contract the canopy core consumes.
//
// The core never issues free-form queries. Every access goes through one of
// the primitive shapes below: point reads and writes by identifier, an
// equality/range scan over indexed fields, a top-K vector similarity search,
// and an atomic batch write. Backends live in sub-packages (sqlite, postgres,
// memstore) and are constructed explicitly by the caller.
package storage

import (
	"context"

	"github.com/scrypster/canopy/pkg/types"
)

// Backend is the storage contract for entity rows.
type Backend interface {
	// Get retrieves an entity by ID.
	// Returns ErrNotFound if the entity doesn't exist.
	Get(ctx context.Context, id string) (*types.Entity, error)

	// Put creates or replaces a single entity row (upsert semantics).
	Put(ctx context.Context, entity *types.Entity) error

	// PutBatch writes all rows as one atomic unit: readers observe either
	// every row of the batch or none of them.
	PutBatch(ctx context.Context, entities []*types.Entity) error

	// Delete removes an entity row.
	// Returns ErrNotFound if the entity doesn't exist.
	Delete(ctx context.Context, id string) error

	// Apply writes puts and removes deletes in a single atomic unit. Deletes
	// of rows that no longer exist are ignored.
	Apply(ctx context.Context, puts []*types.Entity, deletes []string) error

	// Scan returns the rows matching an equality/range filter over indexed
	// fields, ordered by (created_at, id) unless the filter pages by id.
	// Returns an empty slice (not an error) when nothing matches.
	Scan(ctx context.Context, filter Filter) ([]*types.Entity, error)

	// Count returns the number of rows matching filter.
	Count(ctx context.Context, filter Filter) (int, error)

	// VectorSearch returns up to K rows nearest to the query vector by cosine
	// similarity, restricted to rows matching the query filter.
	VectorSearch(ctx context.Context, query VectorQuery) ([]VectorHit, error)

	// Close releases any resources held by the backend.
	Close() error
}
