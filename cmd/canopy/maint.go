package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/canopy/internal/hierarchy"
	"github.com/scrypster/canopy/pkg/types"
)

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count stored entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := a.engine.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(stats, func(w io.Writer) {
				fmt.Fprintf(w, "entities: %d\nroots:    %d\n", stats.Total, stats.Roots)
				keys := make([]types.EntityType, 0, len(stats.ByType))
				for t := range stats.ByType {
					keys = append(keys, t)
				}
				slices.Sort(keys)
				for _, t := range keys {
					fmt.Fprintf(w, "  %-8s %d\n", t, stats.ByType[t])
				}
			})
		},
	}
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <root-id>",
		Short: "Check a subtree's root stamps and linkage without writing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.engine.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := a.emit(report, func(w io.Writer) { printReport(w, report) }); err != nil {
				return err
			}
			return report.Err()
		},
	}
}

func (a *app) rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-roots <root-id>",
		Short: "Recompute the root stamps of a subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.engine.RebuildRoots(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(stats, func(w io.Writer) {
				fmt.Fprintf(w, "visited %d, updated %d in %d batches\n", stats.Visited, stats.Updated, stats.Batches)
				if len(stats.Unresolved) > 0 {
					fmt.Fprintf(w, "unresolved: %s\n", strings.Join(stats.Unresolved, ", "))
				}
			})
		},
	}
}

func printReport(w io.Writer, r *hierarchy.ConsistencyReport) {
	if r.OK() {
		fmt.Fprintf(w, "%s: %d entities consistent\n", r.RootID, r.Checked)
		return
	}
	fmt.Fprintf(w, "%s: %d entities checked, %d inconsistent\n", r.RootID, r.Checked, len(r.IDs()))
	for _, section := range []struct {
		name string
		ids  []string
	}{
		{"wrong root stamp", r.WrongStamp},
		{"stray", r.Stray},
		{"child list mismatch", r.ChildListMismatch},
		{"cycle", r.Cycles},
	} {
		if len(section.ids) > 0 {
			fmt.Fprintf(w, "  %s: %s\n", section.name, strings.Join(section.ids, ", "))
		}
	}
}
