package types

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// EntityType classifies an entity. The set is open: any non-empty lowercase
// identifier is accepted, the constants below are the ones the core knows about.
type EntityType string

const (
	TypeText    EntityType = "text"
	TypeImage   EntityType = "image"
	TypeDate    EntityType = "date"
	TypeTask    EntityType = "task"
	TypeProject EntityType = "project"
)

// Valid reports whether t is a usable type identifier.
func (t EntityType) Valid() bool {
	if t == "" {
		return false
	}
	for _, r := range string(t) {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return false
		}
	}
	return true
}

// Entity is the unit of storage: one flat row carrying content, hierarchy
// linkage and the embedding set.
type Entity struct {
	// Core identification fields
	ID        string     `json:"id"`         // Opaque unique identifier, immutable after creation
	Type      EntityType `json:"type"`       // text, image, date, task, ...
	Content   string     `json:"content"`    // Text body or short label/description
	CreatedAt time.Time  `json:"created_at"` // Never changes after creation
	UpdatedAt time.Time  `json:"updated_at"` // Monotonic non-decreasing

	// Type-specific payload. Text and date entities keep this empty.
	Metadata Metadata `json:"metadata"`

	Hierarchy  Hierarchy    `json:"hierarchy"`
	Embeddings EmbeddingSet `json:"embeddings"`
}

// Hierarchy is the parent/child/sibling linkage carried on every entity.
type Hierarchy struct {
	ParentID        string     `json:"parent_id,omitempty"`         // Direct parent, empty for roots
	ChildrenIDs     []string   `json:"children_ids,omitempty"`      // Ordered; inverse of ParentID
	BeforeSiblingID string     `json:"before_sibling_id,omitempty"` // Back-link to the previous sibling
	RootID          string     `json:"root_id,omitempty"`           // Topmost ancestor, empty for roots
	RootType        EntityType `json:"root_type,omitempty"`         // Copied down from the root's type
}

// EmbeddingSet holds the vectors attached to an entity. All vectors in a
// deployment share one dimensionality.
type EmbeddingSet struct {
	Individual   []float32  `json:"individual_vector,omitempty"`
	Contextual   []float32  `json:"contextual_vector,omitempty"`
	Hierarchical []float32  `json:"hierarchical_vector,omitempty"`
	Vector       []float32  `json:"vector,omitempty"` // Legacy single-embedding field, mirrors Individual
	Model        string     `json:"embedding_model,omitempty"`
	GeneratedAt  *time.Time `json:"embeddings_generated_at,omitempty"`
}

// IsRoot reports whether the entity has no parent.
func (e *Entity) IsRoot() bool {
	return e.Hierarchy.ParentID == ""
}

// EffectiveRootID returns the id of the subtree root the entity belongs to.
// Roots are their own implicit root.
func (e *Entity) EffectiveRootID() string {
	if e.Hierarchy.RootID != "" {
		return e.Hierarchy.RootID
	}
	if e.IsRoot() {
		return e.ID
	}
	return ""
}

// EffectiveRootType returns the type of the subtree root the entity belongs to.
func (e *Entity) EffectiveRootType() EntityType {
	if e.Hierarchy.RootType != "" {
		return e.Hierarchy.RootType
	}
	if e.IsRoot() {
		return e.Type
	}
	return ""
}

// HasChild reports whether id is listed in ChildrenIDs.
func (e *Entity) HasChild(id string) bool {
	return slices.Contains(e.Hierarchy.ChildrenIDs, id)
}

// AddChild appends id to ChildrenIDs unless already present.
func (e *Entity) AddChild(id string) bool {
	if e.HasChild(id) {
		return false
	}
	e.Hierarchy.ChildrenIDs = append(e.Hierarchy.ChildrenIDs, id)
	return true
}

// RemoveChild drops id from ChildrenIDs, keeping the remaining order.
func (e *Entity) RemoveChild(id string) bool {
	i := slices.Index(e.Hierarchy.ChildrenIDs, id)
	if i < 0 {
		return false
	}
	e.Hierarchy.ChildrenIDs = slices.Delete(slices.Clone(e.Hierarchy.ChildrenIDs), i, i+1)
	return true
}

// Touch advances UpdatedAt to now, never moving it backwards.
func (e *Entity) Touch(now time.Time) {
	if now.After(e.UpdatedAt) {
		e.UpdatedAt = now
	}
}

// Validate checks the field-level invariants of a single entity. Invariants
// spanning several rows (parent existence, acyclicity) are enforced by the
// hierarchy index.
func (e *Entity) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("entity id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("entity %s: invalid type %q", e.ID, e.Type)
	}
	h := e.Hierarchy
	if h.ParentID == e.ID {
		return fmt.Errorf("entity %s: cannot be its own parent", e.ID)
	}
	if h.RootID == e.ID {
		return fmt.Errorf("entity %s: cannot be its own root", e.ID)
	}
	if h.BeforeSiblingID == e.ID {
		return fmt.Errorf("entity %s: cannot be its own sibling", e.ID)
	}
	if slices.Contains(h.ChildrenIDs, e.ID) {
		return fmt.Errorf("entity %s: cannot be its own child", e.ID)
	}
	if h.ParentID != "" && slices.Contains(h.ChildrenIDs, h.ParentID) {
		return fmt.Errorf("entity %s: parent %s also listed as child", e.ID, h.ParentID)
	}
	if !e.UpdatedAt.IsZero() && e.UpdatedAt.Before(e.CreatedAt) {
		return fmt.Errorf("entity %s: updated_at precedes created_at", e.ID)
	}
	return nil
}

// Clone returns a deep copy so callers and backends never share slices.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Hierarchy.ChildrenIDs = slices.Clone(e.Hierarchy.ChildrenIDs)
	c.Embeddings.Individual = slices.Clone(e.Embeddings.Individual)
	c.Embeddings.Contextual = slices.Clone(e.Embeddings.Contextual)
	c.Embeddings.Hierarchical = slices.Clone(e.Embeddings.Hierarchical)
	c.Embeddings.Vector = slices.Clone(e.Embeddings.Vector)
	if e.Embeddings.GeneratedAt != nil {
		t := *e.Embeddings.GeneratedAt
		c.Embeddings.GeneratedAt = &t
	}
	c.Metadata = e.Metadata.Clone()
	return &c
}
