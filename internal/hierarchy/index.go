// Package hierarchy maintains the root-id stamping that makes a whole
// subtree retrievable with one indexed equality scan, and offers the
// traversal, repair and verification operations built on it.
package hierarchy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// Options configures an Index.
type Options struct {
	// BatchSize bounds how many rows a subtree walk, rebuild or
	// verification loads or writes per backend call.
	BatchSize int

	// MaxDepth bounds ancestor walks and subtree descents. A chain longer
	// than this is reported as a consistency error.
	MaxDepth int

	Logger *slog.Logger
}

// Normalize applies defaults.
func (o *Options) Normalize() {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 10000
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Index answers subtree queries and plans hierarchy mutations against a
// shared backend handle.
type Index struct {
	backend storage.Backend
	opts    Options
	logger  *slog.Logger
}

// New creates an Index over backend.
func New(backend storage.Backend, opts Options) *Index {
	opts.Normalize()
	return &Index{backend: backend, opts: opts, logger: opts.Logger}
}

// GetNodesByRoot returns the root followed by every entity stamped with its
// id, in (created_at, id) order. A root without descendants yields just
// itself. When stamped rows disagree with the linkage the nodes are still
// returned, together with a *storage.ConsistencyError naming the offenders.
func (x *Index) GetNodesByRoot(ctx context.Context, rootID string) ([]*types.Entity, error) {
	root, err := x.root(ctx, rootID)
	if err != nil {
		return nil, err
	}

	descendants, err := x.backend.Scan(ctx, storage.Filter{RootID: rootID})
	if err != nil {
		return nil, err
	}

	nodes := append([]*types.Entity{root}, descendants...)
	if bad := inconsistentNodes(root, descendants); len(bad) > 0 {
		x.logger.Warn("hierarchy: inconsistent subtree", "root_id", rootID, "count", len(bad))
		return nodes, &storage.ConsistencyError{RootID: rootID, IDs: bad}
	}
	return nodes, nil
}

// GetNodesByRootAndType is GetNodesByRoot restricted to entities of typ. The
// root is included only when its own type matches.
func (x *Index) GetNodesByRootAndType(ctx context.Context, rootID string, typ types.EntityType) ([]*types.Entity, error) {
	root, err := x.root(ctx, rootID)
	if err != nil {
		return nil, err
	}

	matches, err := x.backend.Scan(ctx, storage.Filter{RootID: rootID, Types: []types.EntityType{typ}})
	if err != nil {
		return nil, err
	}

	var nodes []*types.Entity
	if root.Type == typ {
		nodes = append(nodes, root)
	}
	return append(nodes, matches...), nil
}

// Children returns the direct children of parentID in children_ids order.
// Rows pointing at the parent but missing from its list follow in creation
// order.
func (x *Index) Children(ctx context.Context, parentID string) ([]*types.Entity, error) {
	parent, err := x.backend.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	children, err := x.backend.Scan(ctx, storage.Filter{ParentID: parentID})
	if err != nil {
		return nil, err
	}
	return orderChildren(parent.Hierarchy.ChildrenIDs, children), nil
}

// Ancestors returns the chain from id's parent up to its root, nearest
// first. A chain that revisits an entity or exceeds MaxDepth is reported as
// a consistency error.
func (x *Index) Ancestors(ctx context.Context, id string) ([]*types.Entity, error) {
	e, err := x.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var chain []*types.Entity
	seen := map[string]bool{id: true}
	for next := e.Hierarchy.ParentID; next != ""; {
		if seen[next] || len(chain) >= x.opts.MaxDepth {
			return nil, &storage.ConsistencyError{RootID: e.Hierarchy.RootID, IDs: []string{id, next}}
		}
		seen[next] = true

		parent, err := x.backend.Get(ctx, next)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &storage.ConsistencyError{RootID: e.Hierarchy.RootID, IDs: []string{id}}
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		next = parent.Hierarchy.ParentID
	}
	return chain, nil
}

// root loads rootID and checks that it really is a root.
func (x *Index) root(ctx context.Context, rootID string) (*types.Entity, error) {
	if rootID == "" {
		return nil, storage.Validationf("root id is required")
	}
	root, err := x.backend.Get(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if !root.IsRoot() {
		return nil, storage.Validationf("entity %s is not a root (parent %s)", rootID, root.Hierarchy.ParentID)
	}
	return root, nil
}

// inconsistentNodes flags stamped descendants whose parent is neither the
// root nor another stamped descendant, or whose root_type disagrees with the
// root.
func inconsistentNodes(root *types.Entity, descendants []*types.Entity) []string {
	present := make(map[string]bool, len(descendants)+1)
	present[root.ID] = true
	for _, d := range descendants {
		present[d.ID] = true
	}

	var bad []string
	for _, d := range descendants {
		if d.Hierarchy.ParentID == "" || !present[d.Hierarchy.ParentID] || d.Hierarchy.RootType != root.Type {
			bad = append(bad, d.ID)
		}
	}
	return bad
}

// orderChildren sorts children by their position in order; unlisted
// children keep their incoming order after the listed ones.
func orderChildren(order []string, children []*types.Entity) []*types.Entity {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	out := slices.Clone(children)
	slices.SortStableFunc(out, func(a, b *types.Entity) int {
		pa, okA := pos[a.ID]
		pb, okB := pos[b.ID]
		switch {
		case okA && okB:
			return pa - pb
		case okA:
			return -1
		case okB:
			return 1
		}
		return 0
	})
	return out
}

func ids(entities []*types.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}
