package postgres

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

var entityColumns = strings.Join(storage.RowColumns, ", ")

// vectorColumns are the pgvector mirrors of the BYTEA vector columns, in
// storage.Levels order followed by the legacy column.
var vectorColumns = []string{"individual_vec", "contextual_vec", "hierarchical_vec", "legacy_vec"}

var (
	upsertSQL       = buildUpsert(storage.RowColumns)
	upsertVectorSQL = buildUpsert(append(append([]string{}, storage.RowColumns...), vectorColumns...))
)

func buildUpsert(columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	set := make([]string, 0, len(columns)-1)
	for _, c := range columns[1:] {
		set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	return `INSERT INTO entities (` + strings.Join(columns, ", ") + `) VALUES (` +
		strings.Join(placeholders, ", ") + `) ON CONFLICT (id) DO UPDATE SET ` +
		strings.Join(set, ", ")
}

// pgvectorDDL adds typed vector columns and HNSW cosine indexes.
func pgvectorDDL(dimension int) string {
	var b strings.Builder
	for _, c := range vectorColumns {
		fmt.Fprintf(&b, "ALTER TABLE entities ADD COLUMN IF NOT EXISTS %s vector(%d);\n", c, dimension)
	}
	for _, c := range vectorColumns[:3] {
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_entities_%s_cosine ON entities USING hnsw (%s vector_cosine_ops);\n", c, c)
	}
	return b.String()
}

// vecColumn maps a level to its pgvector column.
func vecColumn(level storage.VectorLevel) string {
	switch level {
	case storage.LevelContextual:
		return "contextual_vec"
	case storage.LevelHierarchical:
		return "hierarchical_vec"
	case storage.LevelLegacy:
		return "legacy_vec"
	default:
		return "individual_vec"
	}
}

// vectorArgs returns the pgvector column values; absent vectors stay NULL.
func vectorArgs(e *types.Entity) []any {
	out := make([]any, 0, len(vectorColumns))
	for _, v := range [][]float32{
		e.Embeddings.Individual,
		e.Embeddings.Contextual,
		e.Embeddings.Hierarchical,
		e.Embeddings.Vector,
	} {
		if len(v) == 0 {
			out = append(out, nil)
			continue
		}
		out = append(out, pgvector.NewVector(v))
	}
	return out
}

type scanner interface {
	Scan(dest ...any) error
}

func entityArgs(e *types.Entity, dimension int, enc storage.VectorEncoding) ([]any, error) {
	row, err := storage.EncodeRow(e, dimension, enc)
	if err != nil {
		return nil, err
	}
	return row.Args(), nil
}

func scanEntity(s scanner, dimension int) (*types.Entity, error) {
	var row storage.Row
	if err := s.Scan(row.Targets()...); err != nil {
		return nil, err
	}
	return row.Entity(dimension)
}

func stringArray(ss []string) pq.StringArray {
	return pq.StringArray(ss)
}

func typeArray(ts []types.EntityType) pq.StringArray {
	out := make(pq.StringArray, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}
