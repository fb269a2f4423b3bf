package sqlite

import (
	"fmt"
	"strings"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

var entityColumns = strings.Join(storage.RowColumns, ", ")

var upsertSQL = buildUpsert()

func buildUpsert() string {
	var set []string
	for _, c := range storage.RowColumns[1:] {
		set = append(set, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return `INSERT INTO entities (` + entityColumns + `) VALUES (` +
		buildInClause(len(storage.RowColumns)) + `) ON CONFLICT(id) DO UPDATE SET ` +
		strings.Join(set, ", ")
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
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
