package hierarchy

import (
	"cmp"
	"context"
	"errors"
	"runtime"
	"slices"
	"time"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// walker holds the callbacks of one descend run.
type walker struct {
	// enter sees each child before its own children are read. It returns
	// the copy to continue with, or nil to skip the child and its subtree.
	enter func(parent, child *types.Entity) (*types.Entity, error)

	// leave runs once a parent's children are exhausted, with the children
	// enter kept. Optional.
	leave func(parent *types.Entity, children []childRef) error

	// deep receives a child whose depth would exceed MaxDepth. It is not
	// entered and its subtree is not read.
	deep func(child *types.Entity) error
}

// childRef is what a walk keeps of a child once its page is released.
type childRef struct {
	id      string
	created time.Time
}

// level is one parent on the current path and its current page of children.
type level struct {
	parent    *types.Entity
	page      []*types.Entity
	next      int
	cursor    string
	exhausted bool
	kept      []childRef
}

type walkStats struct {
	visited int
	pages   int
	peak    int // most child rows held at once
}

// descend walks start's subtree depth first along parent_id edges, the
// authoritative direction. Children are read in keyset pages of at most
// BatchSize rows and only the pages on the current path are held, so memory
// follows depth times BatchSize rather than subtree size. The goroutine
// yields after every page.
func (x *Index) descend(ctx context.Context, start *types.Entity, w walker) (walkStats, error) {
	var st walkStats
	held := 0
	path := []*level{{parent: start}}

	for len(path) > 0 {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		top := path[len(path)-1]

		if top.next == len(top.page) && !top.exhausted {
			page, err := x.backend.Scan(ctx, storage.Filter{
				ParentID: top.parent.ID,
				AfterID:  top.cursor,
				Limit:    x.opts.BatchSize,
			})
			if err != nil {
				return st, err
			}
			held += len(page) - len(top.page)
			st.peak = max(st.peak, held)
			st.pages++
			top.page, top.next = page, 0
			top.exhausted = len(page) < x.opts.BatchSize
			if len(page) > 0 {
				top.cursor = page[len(page)-1].ID
			}
			runtime.Gosched()
			continue
		}

		if top.next == len(top.page) {
			held -= len(top.page)
			path = path[:len(path)-1]
			if w.leave != nil {
				if err := w.leave(top.parent, top.kept); err != nil {
					return st, err
				}
			}
			continue
		}

		child := top.page[top.next]
		top.next++
		if len(path) > x.opts.MaxDepth {
			if w.deep != nil {
				if err := w.deep(child); err != nil {
					return st, err
				}
			}
			continue
		}

		child, err := w.enter(top.parent, child)
		if err != nil {
			return st, err
		}
		if child == nil {
			continue
		}
		st.visited++
		if w.leave != nil {
			top.kept = append(top.kept, childRef{id: child.ID, created: child.CreatedAt})
		}
		path = append(path, &level{parent: child})
	}
	return st, nil
}

// orderRefs lays children out the way orderChildren does for an unpaged
// scan: ids listed in order first, the rest by creation time then id.
func orderRefs(order []string, refs []childRef) []string {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	sorted := slices.Clone(refs)
	slices.SortFunc(sorted, func(a, b childRef) int {
		pa, okA := pos[a.id]
		pb, okB := pos[b.id]
		switch {
		case okA && okB:
			return pa - pb
		case okA:
			return -1
		case okB:
			return 1
		}
		if c := a.created.Compare(b.created); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	out := make([]string, len(sorted))
	for i, r := range sorted {
		out[i] = r.id
	}
	return out
}

// underRoot reports whether e's ancestor chain ends at rootID. top is the
// chain's last entity, or nil when the chain is broken or loops.
func (x *Index) underRoot(ctx context.Context, e *types.Entity, rootID string) (ok bool, top *types.Entity, err error) {
	if e.ID == rootID {
		return true, e, nil
	}
	chain, err := x.Ancestors(ctx, e.ID)
	if errors.Is(err, storage.ErrConsistency) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if len(chain) == 0 {
		return false, e, nil
	}
	top = chain[len(chain)-1]
	return top.ID == rootID, top, nil
}
