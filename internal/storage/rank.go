package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/scrypster/canopy/pkg/types"
)

// rankCheckInterval is how many candidate rows are ranked between context
// checks.
const rankCheckInterval = 256

// RankRows consumes (id, encoded vector) rows and returns the k most similar
// to query as id-only hits. rows is always closed.
func RankRows(ctx context.Context, rows *sql.Rows, query []float32, k, dimension int) ([]VectorHit, error) {
	defer func() { _ = rows.Close() }()

	top := NewTopK(k)
	scanned := 0
	for rows.Next() {
		if scanned%rankCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		scanned++

		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, WrapBackend("vector_search", err)
		}
		v, err := DecodeVector(blob, dimension)
		if err != nil {
			return nil, WrapBackend("vector_search", fmt.Errorf("entity %s: %w", id, err))
		}
		if IsZeroVector(v) {
			continue
		}
		top.Offer(VectorHit{
			Entity:     &types.Entity{ID: id},
			Similarity: CosineSimilarity(query, v),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, WrapBackend("vector_search", err)
	}
	return top.Sorted(), nil
}

// Hydrate replaces id-only hits with full rows loaded through scan, keeping
// the ranked order. Rows deleted in the meantime drop out.
func Hydrate(ctx context.Context, scan func(context.Context, Filter) ([]*types.Entity, error), ranked []VectorHit) ([]VectorHit, error) {
	if len(ranked) == 0 {
		return []VectorHit{}, nil
	}
	ids := make([]string, len(ranked))
	for i, h := range ranked {
		ids[i] = h.Entity.ID
	}
	full, err := scan(ctx, Filter{IDs: ids})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Entity, len(full))
	for _, e := range full {
		byID[e.ID] = e
	}
	out := make([]VectorHit, 0, len(ranked))
	for _, h := range ranked {
		if e, ok := byID[h.Entity.ID]; ok {
			out = append(out, VectorHit{Entity: e, Similarity: h.Similarity})
		}
	}
	return out, nil
}
