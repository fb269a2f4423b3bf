package hierarchy

import (
	"context"
	"runtime"
	"slices"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// RebuildStats summarises a RebuildRootIDs run.
type RebuildStats struct {
	Visited int // entities reached from the root
	Updated int // rows rewritten
	Batches int // write batches issued
	Pages   int // child pages read by the walk
	Peak    int // most child rows the walk held at once

	// Unresolved lists rows stamped with the root that could not be placed
	// because their ancestor chain is broken, and rows deeper than MaxDepth.
	Unresolved []string
}

// RebuildRootIDs recomputes root_id and root_type for every entity under
// rootID, and repairs children_ids lists to mirror parent_id. The walk reads
// children in BatchSize pages and writes in BatchSize batches with a yield
// between them, holding only the pages on its current path. Only rows whose
// stored fields differ are written, so a second run writes nothing and an
// interrupted run can simply be restarted. Rows still stamped with rootID
// but no longer reachable from it are re-stamped from their own ancestry.
func (x *Index) RebuildRootIDs(ctx context.Context, rootID string) (RebuildStats, error) {
	var stats RebuildStats

	root, err := x.root(ctx, rootID)
	if err != nil {
		return stats, err
	}

	var writes []*types.Entity
	flush := func() error {
		if len(writes) == 0 {
			return nil
		}
		if err := x.backend.PutBatch(ctx, writes); err != nil {
			return err
		}
		stats.Updated += len(writes)
		stats.Batches++
		writes = writes[:0]
		return nil
	}
	queue := func(e *types.Entity) error {
		writes = upsert(writes, e)
		if len(writes) >= x.opts.BatchSize {
			return flush()
		}
		return nil
	}

	if root.Hierarchy.RootID != "" || root.Hierarchy.RootType != "" {
		root = root.Clone()
		root.Hierarchy.RootID = ""
		root.Hierarchy.RootType = ""
		if err := queue(root); err != nil {
			return stats, err
		}
	}

	walked, err := x.descend(ctx, root, walker{
		enter: func(_, c *types.Entity) (*types.Entity, error) {
			if c.Hierarchy.RootID == root.ID && c.Hierarchy.RootType == root.Type {
				return c, nil
			}
			c = c.Clone()
			c.Hierarchy.RootID = root.ID
			c.Hierarchy.RootType = root.Type
			return c, queue(c)
		},
		leave: func(parent *types.Entity, children []childRef) error {
			want := orderRefs(parent.Hierarchy.ChildrenIDs, children)
			if slices.Equal(parent.Hierarchy.ChildrenIDs, want) {
				return nil
			}
			parent = parent.Clone()
			parent.Hierarchy.ChildrenIDs = want
			return queue(parent)
		},
		deep: func(c *types.Entity) error {
			stats.Unresolved = append(stats.Unresolved, c.ID)
			return nil
		},
	})
	stats.Visited, stats.Pages, stats.Peak = walked.visited, walked.pages, walked.peak
	if err != nil {
		return stats, err
	}
	if err := flush(); err != nil {
		return stats, err
	}

	if err := x.restampStragglers(ctx, root, &stats); err != nil {
		return stats, err
	}

	x.logger.Info("hierarchy: rebuilt root ids",
		"root_id", rootID, "visited", stats.Visited, "updated", stats.Updated,
		"batches", stats.Batches, "peak", stats.Peak)
	return stats, nil
}

// restampStragglers pages through rows stamped with root and stamps each one
// whose ancestry no longer ends at root with the root it actually has.
func (x *Index) restampStragglers(ctx context.Context, root *types.Entity, stats *RebuildStats) error {
	cursor := ""
	for {
		page, err := x.backend.Scan(ctx, storage.Filter{RootID: root.ID, AfterID: cursor, Limit: x.opts.BatchSize})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		cursor = page[len(page)-1].ID

		var writes []*types.Entity
		for _, e := range page {
			if slices.Contains(stats.Unresolved, e.ID) {
				continue
			}
			if e.IsRoot() {
				e = e.Clone()
				e.Hierarchy.RootID = ""
				e.Hierarchy.RootType = ""
				writes = append(writes, e)
				continue
			}
			ok, top, err := x.underRoot(ctx, e, root.ID)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if top == nil {
				stats.Unresolved = append(stats.Unresolved, e.ID)
				continue
			}
			e = e.Clone()
			e.Hierarchy.RootID = top.ID
			e.Hierarchy.RootType = top.Type
			writes = append(writes, e)
		}
		if len(writes) > 0 {
			if err := x.backend.PutBatch(ctx, writes); err != nil {
				return err
			}
			stats.Updated += len(writes)
			stats.Batches++
		}

		runtime.Gosched()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// upsert replaces the entry with e's id or appends e.
func upsert(rows []*types.Entity, e *types.Entity) []*types.Entity {
	for i, r := range rows {
		if r.ID == e.ID {
			rows[i] = e
			return rows
		}
	}
	return append(rows, e)
}
