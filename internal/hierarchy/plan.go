package hierarchy

import (
	"context"
	"errors"
	"slices"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// Plan is the set of rows a hierarchy mutation must write, and the ids it
// must delete, as one atomic backend batch. Readers therefore never observe
// an entity whose root stamp and its parent's children list disagree.
type Plan struct {
	index   *Index
	staged  map[string]*types.Entity
	order   []string
	deletes []string
}

func (x *Index) newPlan() *Plan {
	return &Plan{index: x, staged: make(map[string]*types.Entity)}
}

// Puts returns the staged rows in the order they were first touched,
// excluding rows the plan also deletes.
func (p *Plan) Puts() []*types.Entity {
	out := make([]*types.Entity, 0, len(p.order))
	for _, id := range p.order {
		if slices.Contains(p.deletes, id) {
			continue
		}
		out = append(out, p.staged[id])
	}
	return out
}

// Deletes returns the ids the plan removes.
func (p *Plan) Deletes() []string {
	return slices.Clone(p.deletes)
}

// Staged returns the planned state of id, if the plan touches it.
func (p *Plan) Staged(id string) (*types.Entity, bool) {
	e, ok := p.staged[id]
	return e, ok
}

// Apply writes the plan through backend in one batch.
func (p *Plan) Apply(ctx context.Context) error {
	return p.index.backend.Apply(ctx, p.Puts(), p.deletes)
}

func (p *Plan) put(e *types.Entity) {
	if _, ok := p.staged[e.ID]; !ok {
		p.order = append(p.order, e.ID)
	}
	p.staged[e.ID] = e
}

func (p *Plan) remove(id string) {
	if !slices.Contains(p.deletes, id) {
		p.deletes = append(p.deletes, id)
	}
}

// load returns the staged copy of id or reads it from the backend. Rows
// read from the backend are not staged until put.
func (p *Plan) load(ctx context.Context, id string) (*types.Entity, error) {
	if e, ok := p.staged[id]; ok {
		return e, nil
	}
	return p.index.backend.Get(ctx, id)
}

// AssignRootOnAttach links e under parent and stamps the root fields: the
// parent's root when it has one, otherwise the parent itself.
func AssignRootOnAttach(e, parent *types.Entity) {
	e.Hierarchy.ParentID = parent.ID
	e.Hierarchy.RootID = parent.EffectiveRootID()
	e.Hierarchy.RootType = parent.EffectiveRootType()
}

// PlanAttach plans placing e under parentID, or making it a root when
// parentID is empty. e carries its current stored linkage (empty for a new
// entity). The plan detaches e from its old parent, appends it to the new
// parent's children, and re-stamps every descendant when the root changes.
// A missing parent or a parent inside e's own subtree is a validation error.
func (x *Index) PlanAttach(ctx context.Context, e *types.Entity, parentID string) (*Plan, error) {
	return x.PlanAttachAfter(ctx, e, parentID, "")
}

// PlanAttachAfter is PlanAttach with e placed directly after the sibling
// afterID instead of at the end. afterID must be a child of parentID.
func (x *Index) PlanAttachAfter(ctx context.Context, e *types.Entity, parentID, afterID string) (*Plan, error) {
	if afterID != "" && (parentID == "" || afterID == e.ID) {
		return nil, storage.Validationf("entity %s cannot follow sibling %s under parent %q", e.ID, afterID, parentID)
	}
	if parentID == e.ID {
		return nil, storage.Validationf("entity %s cannot be its own parent", e.ID)
	}

	p := x.newPlan()
	oldParentID := e.Hierarchy.ParentID
	oldRoot, oldRootType := e.EffectiveRootID(), e.EffectiveRootType()

	var parent *types.Entity
	if parentID != "" {
		var err error
		parent, err = p.load(ctx, parentID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.Validationf("parent %s does not exist", parentID)
		}
		if err != nil {
			return nil, err
		}
		if err := x.checkAcyclic(ctx, e.ID, parent); err != nil {
			return nil, err
		}
	}

	if oldParentID != "" && oldParentID != parentID {
		if err := p.detach(ctx, e); err != nil {
			return nil, err
		}
	}

	// Detaching may have staged the new parent as a relinked sibling.
	if parent != nil {
		staged, err := p.load(ctx, parentID)
		if err != nil {
			return nil, err
		}
		parent = staged.Clone()
	}

	if parent == nil {
		e.Hierarchy.ParentID = ""
		e.Hierarchy.RootID = ""
		e.Hierarchy.RootType = ""
		e.Hierarchy.BeforeSiblingID = ""
	} else {
		AssignRootOnAttach(e, parent)
		if !parent.HasChild(e.ID) {
			if err := p.insertChild(ctx, parent, e, afterID); err != nil {
				return nil, err
			}
			p.put(parent)
		}
	}
	p.put(e)

	newRoot, newRootType := e.EffectiveRootID(), e.EffectiveRootType()
	if len(e.Hierarchy.ChildrenIDs) > 0 && (newRoot != oldRoot || newRootType != oldRootType) {
		if err := p.restampDescendants(ctx, e, newRoot, newRootType); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// PlanDelete plans removing id. With cascade every descendant is deleted
// too; otherwise the direct children take the deleted entity's place under
// its parent, or become roots of their own subtrees.
func (x *Index) PlanDelete(ctx context.Context, id string, cascade bool) (*Plan, error) {
	p := x.newPlan()
	e, err := x.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if cascade {
		if e.Hierarchy.ParentID != "" {
			if err := p.detach(ctx, e); err != nil {
				return nil, err
			}
		}
		descendants, err := p.descendantIDs(ctx, e)
		if err != nil {
			return nil, err
		}
		for _, d := range descendants {
			p.remove(d)
		}
		p.remove(id)
		return p, nil
	}

	scanned, err := x.backend.Scan(ctx, storage.Filter{ParentID: id})
	if err != nil {
		return nil, err
	}
	children := orderChildren(e.Hierarchy.ChildrenIDs, scanned)
	for i, c := range children {
		children[i] = c.Clone()
	}

	if e.Hierarchy.ParentID == "" {
		for _, c := range children {
			c.Hierarchy.ParentID = ""
			c.Hierarchy.RootID = ""
			c.Hierarchy.RootType = ""
			c.Hierarchy.BeforeSiblingID = ""
			p.put(c)
			if err := p.restampDescendants(ctx, c, c.ID, c.Type); err != nil {
				return nil, err
			}
		}
		p.remove(id)
		return p, nil
	}

	parent, err := p.load(ctx, e.Hierarchy.ParentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &storage.ConsistencyError{RootID: e.Hierarchy.RootID, IDs: []string{id}}
	}
	if err != nil {
		return nil, err
	}
	parent = parent.Clone()

	siblings := parent.Hierarchy.ChildrenIDs
	pos := slices.Index(siblings, id)
	if pos < 0 {
		pos = len(siblings)
	}
	childIDs := ids(children)
	spliced := slices.Clone(siblings[:pos])
	spliced = append(spliced, childIDs...)
	if pos < len(siblings) {
		spliced = append(spliced, siblings[pos+1:]...)
	}
	parent.Hierarchy.ChildrenIDs = spliced
	p.put(parent)

	prev := e.Hierarchy.BeforeSiblingID
	for _, c := range children {
		AssignRootOnAttach(c, parent)
		c.Hierarchy.BeforeSiblingID = prev
		prev = c.ID
		p.put(c)
	}
	if pos+1 < len(siblings) {
		if err := p.relinkSibling(ctx, siblings[pos+1], id, prev); err != nil {
			return nil, err
		}
	}

	p.remove(id)
	return p, nil
}

// insertChild adds e to parent's children after afterID, or at the end,
// and fixes the sibling back-links around it.
func (p *Plan) insertChild(ctx context.Context, parent, e *types.Entity, afterID string) error {
	children := parent.Hierarchy.ChildrenIDs
	if afterID == "" {
		e.Hierarchy.BeforeSiblingID = ""
		if n := len(children); n > 0 {
			e.Hierarchy.BeforeSiblingID = children[n-1]
		}
		parent.AddChild(e.ID)
		return nil
	}

	pos := slices.Index(children, afterID)
	if pos < 0 {
		return storage.Validationf("sibling %s is not a child of %s", afterID, parent.ID)
	}
	children = slices.Insert(slices.Clone(children), pos+1, e.ID)
	e.Hierarchy.BeforeSiblingID = afterID
	if pos+2 < len(children) {
		if err := p.relinkSibling(ctx, children[pos+2], afterID, e.ID); err != nil {
			return err
		}
	}
	parent.Hierarchy.ChildrenIDs = children
	return nil
}

// checkAcyclic rejects attaching id under parent when parent already has id
// as an ancestor.
func (x *Index) checkAcyclic(ctx context.Context, id string, parent *types.Entity) error {
	if parent.ID == id {
		return storage.Validationf("entity %s cannot be its own parent", id)
	}
	if parent.IsRoot() {
		return nil
	}
	chain, err := x.Ancestors(ctx, parent.ID)
	if err != nil {
		return err
	}
	for _, a := range chain {
		if a.ID == id {
			return storage.Validationf("attaching %s under %s would make it its own ancestor", id, parent.ID)
		}
	}
	return nil
}

// detach removes e from its parent's children list and closes the gap in
// the sibling back-links. A parent that no longer exists is ignored.
func (p *Plan) detach(ctx context.Context, e *types.Entity) error {
	parent, err := p.load(ctx, e.Hierarchy.ParentID)
	if errors.Is(err, storage.ErrNotFound) {
		p.index.logger.Warn("hierarchy: detaching from missing parent",
			"entity_id", e.ID, "parent_id", e.Hierarchy.ParentID)
		return nil
	}
	if err != nil {
		return err
	}
	parent = parent.Clone()

	siblings := parent.Hierarchy.ChildrenIDs
	pos := slices.Index(siblings, e.ID)
	if pos >= 0 && pos+1 < len(siblings) {
		if err := p.relinkSibling(ctx, siblings[pos+1], e.ID, e.Hierarchy.BeforeSiblingID); err != nil {
			return err
		}
	}
	if parent.RemoveChild(e.ID) {
		p.put(parent)
	}
	return nil
}

// relinkSibling points nextID's back-link at prev if it currently points
// at removed.
func (p *Plan) relinkSibling(ctx context.Context, nextID, removed, prev string) error {
	next, err := p.load(ctx, nextID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if next.Hierarchy.BeforeSiblingID != removed {
		return nil
	}
	next = next.Clone()
	next.Hierarchy.BeforeSiblingID = prev
	p.put(next)
	return nil
}

// restampDescendants stamps every row below start with rootID/rootType.
func (p *Plan) restampDescendants(ctx context.Context, start *types.Entity, rootID string, rootType types.EntityType) error {
	return p.walk(ctx, start, func(d *types.Entity) {
		if d.Hierarchy.RootID == rootID && d.Hierarchy.RootType == rootType {
			return
		}
		d = d.Clone()
		d.Hierarchy.RootID = rootID
		d.Hierarchy.RootType = rootType
		p.put(d)
	})
}

// descendantIDs lists every id below start.
func (p *Plan) descendantIDs(ctx context.Context, start *types.Entity) ([]string, error) {
	var out []string
	err := p.walk(ctx, start, func(d *types.Entity) { out = append(out, d.ID) })
	return out, err
}

// walk visits start's descendants along parent_id edges, so rows missing
// from their parent's children_ids are reached too. A staged copy replaces
// the stored row, and a child whose staged parent moved elsewhere is skipped.
func (p *Plan) walk(ctx context.Context, start *types.Entity, visit func(*types.Entity)) error {
	_, err := p.index.descend(ctx, start, walker{
		enter: func(parent, c *types.Entity) (*types.Entity, error) {
			if s, ok := p.staged[c.ID]; ok {
				if s.Hierarchy.ParentID != parent.ID {
					return nil, nil
				}
				c = s
			}
			visit(c)
			return c, nil
		},
		deep: func(c *types.Entity) error {
			return &storage.ConsistencyError{RootID: start.EffectiveRootID(), IDs: []string{c.ID}}
		},
	})
	return err
}
