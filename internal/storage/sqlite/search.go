package sqlite

import (
	"context"
	"fmt"

	"github.com/scrypster/canopy/internal/storage"
)

// VectorSearch ranks every row matching q.Filter that carries a vector at
// q.Level by cosine similarity and returns the best q.K. SQLite has no vector
// index, so the scan runs in Go over the id and vector columns only; full rows
// are loaded for the winners alone.
func (s *Store) VectorSearch(ctx context.Context, q storage.VectorQuery) ([]storage.VectorHit, error) {
	q.Normalize()
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", storage.ErrInvalidInput)
	}
	if s.dimension > 0 && len(q.Vector) != s.dimension {
		return nil, storage.Validationf("query vector has dimension %d, expected %d", len(q.Vector), s.dimension)
	}

	filter := q.Filter
	filter.Limit = 0
	where, args := buildWhere(filter)
	col := q.Level.Column()
	if where == "" {
		where = " WHERE " + col + " IS NOT NULL"
	} else {
		where += " AND " + col + " IS NOT NULL"
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, `+col+` FROM entities`+where, args...)
	if err != nil {
		return nil, storage.WrapBackend("vector_search", err)
	}
	ranked, err := storage.RankRows(ctx, rows, q.Vector, q.K, s.dimension)
	if err != nil {
		return nil, err
	}
	return storage.Hydrate(ctx, s.Scan, ranked)
}
