package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scrypster/canopy/internal/search"
	"github.com/scrypster/canopy/pkg/types"
)

func (a *app) searchCmd() *cobra.Command {
	var (
		vectors    vectorFlags
		primary    string
		typeNames  []string
		q          search.Query
		semantic   float64
		structural float64
		temporal   float64
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Rank entities against query embeddings",
		Example: `  canopy search --vector 0.1,0.9
  canopy search --vector 0.1,0.9 --primary text --cross-modal --anchor 2024-06-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := vectors.input()
			if err != nil {
				return err
			}
			q.Vectors = search.QueryVectors{
				Individual:   in.Individual,
				Contextual:   in.Contextual,
				Hierarchical: in.Hierarchical,
			}
			q.PrimaryType = types.EntityType(primary)
			for _, t := range typeNames {
				q.Types = append(q.Types, types.EntityType(t))
			}
			if cmd.Flags().Changed("semantic") || cmd.Flags().Changed("structural") || cmd.Flags().Changed("temporal") {
				q.Weights = &search.Weights{Semantic: semantic, Structural: structural, Temporal: temporal}
			}

			resp, err := a.engine.HybridSearch(cmd.Context(), q)
			if err != nil {
				return err
			}
			if resp.Partial {
				a.logger.Warn("search: time budget exhausted, results are partial")
			}
			return a.emit(resp, func(w io.Writer) { printResults(w, resp) })
		},
	}
	vectors.register(cmd)
	def := search.DefaultConfig().Weights
	cmd.Flags().StringVar(&primary, "primary", "", "Modality the query was embedded from")
	cmd.Flags().StringSliceVar(&typeNames, "type", nil, "Restrict to these entity types")
	cmd.Flags().BoolVar(&q.CrossModal, "cross-modal", false, "Admit other modalities with a bonus")
	cmd.Flags().BoolVar(&q.EnableLevelFusion, "fusion", false, "Fuse per-level similarities")
	cmd.Flags().StringVar(&q.AnchorID, "anchor", "", "Entity structural proximity is measured from")
	cmd.Flags().StringVar(&q.RootID, "root", "", "Only search this subtree")
	cmd.Flags().IntVar(&q.MaxResults, "limit", 0, "Maximum results (config default when 0)")
	cmd.Flags().Float64Var(&semantic, "semantic", def.Semantic, "Semantic weight")
	cmd.Flags().Float64Var(&structural, "structural", def.Structural, "Structural weight")
	cmd.Flags().Float64Var(&temporal, "temporal", def.Temporal, "Temporal weight")
	cmd.Flags().BoolVar(&q.Trace, "trace", false, "Include scoring trace in JSON output")
	return cmd
}

func printResults(w io.Writer, resp *search.Response) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSCORE\tSEMANTIC\tSTRUCTURAL\tTEMPORAL\tCONTENT")
	for _, r := range resp.Results {
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%.4f\t%.4f\t%s\n",
			r.Entity.ID, r.Entity.Type, r.FinalScore,
			r.Factors.Semantic, r.Factors.Structural, r.Factors.Temporal,
			truncate(r.Entity.Content, 40))
	}
	_ = tw.Flush()
}
