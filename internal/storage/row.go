package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrypster/canopy/pkg/types"
)

// Row is the flat column layout shared by the SQL backends. Times are UTC
// unix nanoseconds so ordering and range predicates are exact on every
// engine; vectors are encoded with EncodeVector.
type Row struct {
	ID              string
	Type            string
	Content         string
	CreatedAt       int64
	UpdatedAt       int64
	Metadata        sql.NullString
	ParentID        sql.NullString
	ChildrenIDs     sql.NullString
	BeforeSiblingID sql.NullString
	RootID          sql.NullString
	RootType        sql.NullString
	Individual      []byte
	Contextual      []byte
	Hierarchical    []byte
	Vector          []byte
	Model           sql.NullString
	GeneratedAt     sql.NullInt64
}

// EncodeRow flattens e into a Row, rejecting vectors whose length differs
// from dimension.
func EncodeRow(e *types.Entity, dimension int, enc VectorEncoding) (*Row, error) {
	if err := CheckDimensions(e, dimension); err != nil {
		return nil, err
	}

	r := &Row{
		ID:              e.ID,
		Type:            string(e.Type),
		Content:         e.Content,
		CreatedAt:       e.CreatedAt.UTC().UnixNano(),
		ParentID:        nullString(e.Hierarchy.ParentID),
		BeforeSiblingID: nullString(e.Hierarchy.BeforeSiblingID),
		RootID:          nullString(e.Hierarchy.RootID),
		RootType:        nullString(string(e.Hierarchy.RootType)),
		Model:           nullString(e.Embeddings.Model),
	}

	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = e.CreatedAt
	}
	r.UpdatedAt = updatedAt.UTC().UnixNano()

	if !e.Metadata.IsEmpty() {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, Validationf("entity %s metadata: %v", e.ID, err)
		}
		r.Metadata = sql.NullString{String: string(b), Valid: true}
	}

	if len(e.Hierarchy.ChildrenIDs) > 0 {
		b, err := json.Marshal(e.Hierarchy.ChildrenIDs)
		if err != nil {
			return nil, Validationf("entity %s children: %v", e.ID, err)
		}
		r.ChildrenIDs = sql.NullString{String: string(b), Valid: true}
	}

	for _, col := range []struct {
		src []float32
		dst *[]byte
	}{
		{e.Embeddings.Individual, &r.Individual},
		{e.Embeddings.Contextual, &r.Contextual},
		{e.Embeddings.Hierarchical, &r.Hierarchical},
		{e.Embeddings.Vector, &r.Vector},
	} {
		blob, err := EncodeVector(col.src, enc)
		if err != nil {
			return nil, Validationf("entity %s: %v", e.ID, err)
		}
		*col.dst = blob
	}

	if e.Embeddings.GeneratedAt != nil {
		r.GeneratedAt = sql.NullInt64{Int64: e.Embeddings.GeneratedAt.UTC().UnixNano(), Valid: true}
	}
	return r, nil
}

// Args returns the column values in RowColumns order.
func (r *Row) Args() []any {
	return []any{
		r.ID, r.Type, r.Content, r.CreatedAt, r.UpdatedAt, r.Metadata,
		r.ParentID, r.ChildrenIDs, r.BeforeSiblingID, r.RootID, r.RootType,
		r.Individual, r.Contextual, r.Hierarchical, r.Vector,
		r.Model, r.GeneratedAt,
	}
}

// Targets returns scan destinations in RowColumns order.
func (r *Row) Targets() []any {
	return []any{
		&r.ID, &r.Type, &r.Content, &r.CreatedAt, &r.UpdatedAt, &r.Metadata,
		&r.ParentID, &r.ChildrenIDs, &r.BeforeSiblingID, &r.RootID, &r.RootType,
		&r.Individual, &r.Contextual, &r.Hierarchical, &r.Vector,
		&r.Model, &r.GeneratedAt,
	}
}

// RowColumns lists the entity columns in Row field order.
var RowColumns = []string{
	"id", "type", "content", "created_at", "updated_at", "metadata",
	"parent_id", "children_ids", "before_sibling_id", "root_id", "root_type",
	"individual_vector", "contextual_vector", "hierarchical_vector", "vector",
	"embedding_model", "embeddings_generated_at",
}

// Entity decodes the row. Malformed stored data is reported as an error the
// caller should wrap as a backend failure.
func (r *Row) Entity(dimension int) (*types.Entity, error) {
	e := &types.Entity{
		ID:        r.ID,
		Type:      types.EntityType(r.Type),
		Content:   r.Content,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, r.UpdatedAt).UTC(),
		Hierarchy: types.Hierarchy{
			ParentID:        r.ParentID.String,
			BeforeSiblingID: r.BeforeSiblingID.String,
			RootID:          r.RootID.String,
			RootType:        types.EntityType(r.RootType.String),
		},
	}

	if r.Metadata.Valid && r.Metadata.String != "" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("entity %s: malformed metadata: %w", r.ID, err)
		}
	}
	if r.ChildrenIDs.Valid && r.ChildrenIDs.String != "" {
		if err := json.Unmarshal([]byte(r.ChildrenIDs.String), &e.Hierarchy.ChildrenIDs); err != nil {
			return nil, fmt.Errorf("entity %s: malformed children_ids: %w", r.ID, err)
		}
	}

	for _, col := range []struct {
		blob []byte
		dst  *[]float32
	}{
		{r.Individual, &e.Embeddings.Individual},
		{r.Contextual, &e.Embeddings.Contextual},
		{r.Hierarchical, &e.Embeddings.Hierarchical},
		{r.Vector, &e.Embeddings.Vector},
	} {
		v, err := DecodeVector(col.blob, dimension)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", r.ID, err)
		}
		*col.dst = v
	}

	e.Embeddings.Model = r.Model.String
	if r.GeneratedAt.Valid {
		t := time.Unix(0, r.GeneratedAt.Int64).UTC()
		e.Embeddings.GeneratedAt = &t
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
