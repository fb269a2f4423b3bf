// Package memstore implements storage.Backend in process memory. Rows live
// in a map keyed by id; roaring bitmaps over dense row ordinals index the
// columns that subtree and type queries filter on.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

var _ storage.Backend = (*Store)(nil)

// Options configures a Store.
type Options struct {
	// Dimension rejects vectors of any other length when positive.
	Dimension int
}

// Store is a thread-safe in-memory backend. Every entity crossing the API
// boundary is cloned, so callers never alias stored rows.
type Store struct {
	mu sync.RWMutex

	dimension int
	rows      map[string]*types.Entity

	// Row ordinals. Freed ordinals are reused so bitmaps stay dense.
	ordinal map[string]uint32
	ids     []string
	free    []uint32

	all      *roaring.Bitmap
	roots    *roaring.Bitmap
	byRoot   map[string]*roaring.Bitmap
	byParent map[string]*roaring.Bitmap
	byType   map[types.EntityType]*roaring.Bitmap
	byRType  map[types.EntityType]*roaring.Bitmap

	closed bool
}

// New returns an empty store.
func New(opts Options) *Store {
	return &Store{
		dimension: opts.Dimension,
		rows:      make(map[string]*types.Entity),
		ordinal:   make(map[string]uint32),
		all:       roaring.New(),
		roots:     roaring.New(),
		byRoot:    make(map[string]*roaring.Bitmap),
		byParent:  make(map[string]*roaring.Bitmap),
		byType:    make(map[types.EntityType]*roaring.Bitmap),
		byRType:   make(map[types.EntityType]*roaring.Bitmap),
	}
}

// Get retrieves an entity by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	e, ok := s.rows[id]
	if !ok {
		return nil, storage.NotFoundf("entity %s", id)
	}
	return e.Clone(), nil
}

// Put creates or replaces a single entity.
func (s *Store) Put(ctx context.Context, entity *types.Entity) error {
	return s.Apply(ctx, []*types.Entity{entity}, nil)
}

// PutBatch writes all entities or none.
func (s *Store) PutBatch(ctx context.Context, entities []*types.Entity) error {
	return s.Apply(ctx, entities, nil)
}

// Delete removes an entity.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, ok := s.rows[id]; !ok {
		return storage.NotFoundf("entity %s", id)
	}
	s.remove(id)
	return nil
}

// Apply validates every put up front and then applies deletes and puts
// under one write lock, so readers observe all of it or none of it.
func (s *Store) Apply(ctx context.Context, puts []*types.Entity, deletes []string) error {
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	staged := make([]*types.Entity, 0, len(puts))
	for _, e := range puts {
		if e == nil {
			return fmt.Errorf("%w: nil entity", storage.ErrInvalidInput)
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrValidation, err)
		}
		if err := storage.CheckDimensions(e, s.dimension); err != nil {
			return err
		}
		c := e.Clone()
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = c.CreatedAt
		}
		staged = append(staged, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	for _, id := range deletes {
		if _, ok := s.rows[id]; ok {
			s.remove(id)
		}
	}
	for _, e := range staged {
		if _, ok := s.rows[e.ID]; ok {
			s.remove(e.ID)
		}
		s.insert(e)
	}
	return nil
}

// Scan returns clones of the rows matching filter.
func (s *Store) Scan(ctx context.Context, filter storage.Filter) ([]*types.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	matched := s.match(filter)
	out := make([]*types.Entity, len(matched))
	for i, e := range matched {
		out[i] = e.Clone()
	}
	return storage.ApplyFilterOrder(out, filter), nil
}

// Count returns the number of rows matching filter.
func (s *Store) Count(ctx context.Context, filter storage.Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	filter.Limit = 0
	return len(s.match(filter)), nil
}

// VectorSearch ranks the filtered rows carrying a vector at q.Level.
func (s *Store) VectorSearch(ctx context.Context, q storage.VectorQuery) ([]storage.VectorHit, error) {
	q.Normalize()
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", storage.ErrInvalidInput)
	}
	if s.dimension > 0 && len(q.Vector) != s.dimension {
		return nil, storage.Validationf("query vector has dimension %d, expected %d", len(q.Vector), s.dimension)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	filter := q.Filter
	filter.Limit = 0
	top := storage.NewTopK(q.K)
	for i, e := range s.match(filter) {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		v := q.Level.Of(e)
		if storage.IsZeroVector(v) {
			continue
		}
		top.Offer(storage.VectorHit{Entity: e, Similarity: storage.CosineSimilarity(q.Vector, v)})
	}

	hits := top.Sorted()
	for i := range hits {
		hits[i].Entity = hits[i].Entity.Clone()
	}
	return hits, nil
}

// Close marks the store closed; later calls fail with a backend error.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.rows = map[string]*types.Entity{}
	return nil
}

// Len returns the number of stored rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *Store) checkOpen() error {
	if s.closed {
		return &storage.BackendError{Op: "memstore", Err: fmt.Errorf("store is closed")}
	}
	return nil
}
