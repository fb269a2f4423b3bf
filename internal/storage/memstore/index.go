package memstore

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// insert stores e (already cloned) and indexes it. Callers hold the write lock.
func (s *Store) insert(e *types.Entity) {
	var ord uint32
	if n := len(s.free); n > 0 {
		ord = s.free[n-1]
		s.free = s.free[:n-1]
		s.ids[ord] = e.ID
	} else {
		ord = uint32(len(s.ids))
		s.ids = append(s.ids, e.ID)
	}

	s.rows[e.ID] = e
	s.ordinal[e.ID] = ord
	s.all.Add(ord)

	if e.Hierarchy.ParentID == "" {
		s.roots.Add(ord)
	} else {
		bitmapFor(s.byParent, e.Hierarchy.ParentID).Add(ord)
	}
	if e.Hierarchy.RootID != "" {
		bitmapFor(s.byRoot, e.Hierarchy.RootID).Add(ord)
	}
	bitmapFor(s.byType, e.Type).Add(ord)
	if e.Hierarchy.RootType != "" {
		bitmapFor(s.byRType, e.Hierarchy.RootType).Add(ord)
	}
}

// remove drops id from the rows and every index. Callers hold the write lock.
func (s *Store) remove(id string) {
	e := s.rows[id]
	ord := s.ordinal[id]

	s.all.Remove(ord)
	s.roots.Remove(ord)
	if e.Hierarchy.ParentID != "" {
		unset(s.byParent, e.Hierarchy.ParentID, ord)
	}
	if e.Hierarchy.RootID != "" {
		unset(s.byRoot, e.Hierarchy.RootID, ord)
	}
	unset(s.byType, e.Type, ord)
	if e.Hierarchy.RootType != "" {
		unset(s.byRType, e.Hierarchy.RootType, ord)
	}

	delete(s.rows, id)
	delete(s.ordinal, id)
	s.ids[ord] = ""
	s.free = append(s.free, ord)
}

// match narrows candidates with the bitmaps, then applies the full filter
// predicate to the survivors. Callers hold a read lock.
func (s *Store) match(f storage.Filter) []*types.Entity {
	candidates := s.all.Clone()

	if len(f.IDs) > 0 {
		ids := roaring.New()
		for _, id := range f.IDs {
			if ord, ok := s.ordinal[id]; ok {
				ids.Add(ord)
			}
		}
		candidates.And(ids)
	}
	if f.RootID != "" {
		candidates.And(lookup(s.byRoot, f.RootID))
	}
	if f.ParentID != "" {
		candidates.And(lookup(s.byParent, f.ParentID))
	}
	if len(f.Types) > 0 {
		union := roaring.New()
		for _, t := range f.Types {
			union.Or(lookup(s.byType, t))
		}
		candidates.And(union)
	}
	for _, t := range f.ExcludeTypes {
		candidates.AndNot(lookup(s.byType, t))
	}
	if f.RootType != "" {
		candidates.And(lookup(s.byRType, f.RootType))
	}
	if f.RootsOnly {
		candidates.And(s.roots)
	}

	out := make([]*types.Entity, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		e := s.rows[s.ids[it.Next()]]
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func bitmapFor[K comparable](m map[K]*roaring.Bitmap, key K) *roaring.Bitmap {
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	return bm
}

func lookup[K comparable](m map[K]*roaring.Bitmap, key K) *roaring.Bitmap {
	if bm, ok := m[key]; ok {
		return bm
	}
	return roaring.New()
}

func unset[K comparable](m map[K]*roaring.Bitmap, key K, ord uint32) {
	bm, ok := m[key]
	if !ok {
		return
	}
	bm.Remove(ord)
	if bm.IsEmpty() {
		delete(m, key)
	}
}
