package hierarchy

import (
	"context"
	"slices"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// ConsistencyReport lists the ways a subtree's stored linkage disagrees
// with its ancestry.
type ConsistencyReport struct {
	RootID  string
	Checked int

	// WrongStamp holds reachable entities whose root_id or root_type is wrong.
	WrongStamp []string

	// Stray holds entities stamped with the root but not reachable from it.
	Stray []string

	// ChildListMismatch holds parents whose children_ids does not mirror
	// the parent_id of their children.
	ChildListMismatch []string

	// Cycles holds entities whose path from the root exceeds MaxDepth,
	// which only happens when the stored linkage loops back on itself.
	Cycles []string
}

// OK reports whether nothing inconsistent was found.
func (r *ConsistencyReport) OK() bool {
	return len(r.IDs()) == 0
}

// IDs returns every offending id, sorted and de-duplicated.
func (r *ConsistencyReport) IDs() []string {
	var all []string
	all = append(all, r.WrongStamp...)
	all = append(all, r.Stray...)
	all = append(all, r.ChildListMismatch...)
	all = append(all, r.Cycles...)
	slices.Sort(all)
	return slices.Compact(all)
}

// Err returns the report as a *storage.ConsistencyError, or nil when OK.
func (r *ConsistencyReport) Err() error {
	if r.OK() {
		return nil
	}
	return &storage.ConsistencyError{RootID: r.RootID, IDs: r.IDs()}
}

// Verify walks rootID's subtree without writing anything and reports every
// inconsistency RebuildRootIDs would repair.
func (x *Index) Verify(ctx context.Context, rootID string) (*ConsistencyReport, error) {
	root, err := x.root(ctx, rootID)
	if err != nil {
		return nil, err
	}

	report := &ConsistencyReport{RootID: rootID}
	if root.Hierarchy.RootID != "" || root.Hierarchy.RootType != "" {
		report.WrongStamp = append(report.WrongStamp, root.ID)
	}

	walked, err := x.descend(ctx, root, walker{
		enter: func(_, c *types.Entity) (*types.Entity, error) {
			if c.Hierarchy.RootID != root.ID || c.Hierarchy.RootType != root.Type {
				report.WrongStamp = append(report.WrongStamp, c.ID)
			}
			return c, nil
		},
		leave: func(parent *types.Entity, children []childRef) error {
			if !slices.Equal(parent.Hierarchy.ChildrenIDs, orderRefs(parent.Hierarchy.ChildrenIDs, children)) {
				report.ChildListMismatch = append(report.ChildListMismatch, parent.ID)
			}
			return nil
		},
		deep: func(c *types.Entity) error {
			report.Cycles = append(report.Cycles, c.ID)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	report.Checked = walked.visited + 1

	cursor := ""
	for {
		page, err := x.backend.Scan(ctx, storage.Filter{RootID: rootID, AfterID: cursor, Limit: x.opts.BatchSize})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		cursor = page[len(page)-1].ID
		for _, e := range page {
			if e.ID == rootID || slices.Contains(report.Cycles, e.ID) {
				continue
			}
			ok, _, err := x.underRoot(ctx, e, rootID)
			if err != nil {
				return nil, err
			}
			if !ok {
				report.Stray = append(report.Stray, e.ID)
			}
		}
	}

	if !report.OK() {
		x.logger.Warn("hierarchy: verification found inconsistencies",
			"root_id", rootID, "count", len(report.IDs()))
	}
	return report, nil
}
