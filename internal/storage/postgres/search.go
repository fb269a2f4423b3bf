package postgres

import (
	"context"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/canopy/internal/storage"
)

// VectorSearch returns the q.K rows closest to q.Vector by cosine
// similarity. With pgvector the ranking runs in the database using the
// <=> cosine distance operator; otherwise the encoded vectors are streamed
// and ranked in process.
func (s *Store) VectorSearch(ctx context.Context, q storage.VectorQuery) ([]storage.VectorHit, error) {
	q.Normalize()
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", storage.ErrInvalidInput)
	}
	if s.dimension > 0 && len(q.Vector) != s.dimension {
		return nil, storage.Validationf("query vector has dimension %d, expected %d", len(q.Vector), s.dimension)
	}

	if s.pgvectorAvailable {
		return s.vectorSearchPgvector(ctx, q)
	}
	return s.vectorSearchInProcess(ctx, q)
}

func (s *Store) vectorSearchPgvector(ctx context.Context, q storage.VectorQuery) ([]storage.VectorHit, error) {
	filter := q.Filter
	filter.Limit = 0
	w := buildWhere(filter, 2)
	col := vecColumn(q.Level)
	cond := col + " IS NOT NULL"
	if w.clause == "" {
		w.clause = " WHERE " + cond
	} else {
		w.clause += " AND " + cond
	}

	query := fmt.Sprintf(`SELECT %s, 1 - (%s <=> $1) AS similarity FROM entities%s
		ORDER BY %s <=> $1 ASC, id ASC LIMIT $%d`, entityColumns, col, w.clause, col, w.next)
	args := append([]any{pgvector.NewVector(q.Vector)}, w.args...)
	args = append(args, q.K)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapBackend("vector_search", err)
	}
	defer func() { _ = rows.Close() }()

	hits := []storage.VectorHit{}
	for rows.Next() {
		var row storage.Row
		var similarity float64
		if err := rows.Scan(append(row.Targets(), &similarity)...); err != nil {
			return nil, storage.WrapBackend("vector_search", err)
		}
		e, err := row.Entity(s.dimension)
		if err != nil {
			return nil, storage.WrapBackend("vector_search", err)
		}
		hits = append(hits, storage.VectorHit{Entity: e, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackend("vector_search", err)
	}
	return hits, nil
}

func (s *Store) vectorSearchInProcess(ctx context.Context, q storage.VectorQuery) ([]storage.VectorHit, error) {
	filter := q.Filter
	filter.Limit = 0
	w := buildWhere(filter, 1)
	col := q.Level.Column()
	cond := col + " IS NOT NULL"
	if w.clause == "" {
		w.clause = " WHERE " + cond
	} else {
		w.clause += " AND " + cond
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, `+col+` FROM entities`+w.clause, w.args...)
	if err != nil {
		return nil, storage.WrapBackend("vector_search", err)
	}
	ranked, err := storage.RankRows(ctx, rows, q.Vector, q.K, s.dimension)
	if err != nil {
		return nil, err
	}
	return storage.Hydrate(ctx, s.Scan, ranked)
}
