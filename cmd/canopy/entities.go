package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scrypster/canopy/internal/embedding"
	"github.com/scrypster/canopy/internal/engine"
	"github.com/scrypster/canopy/pkg/types"
)

// vectorFlags are the per-level embedding flags shared by create and update.
type vectorFlags struct {
	individual, contextual, hierarchical string
	model                                string
}

func (f *vectorFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.individual, "vector", "", "Individual embedding, comma separated")
	cmd.Flags().StringVar(&f.contextual, "contextual", "", "Contextual embedding, comma separated")
	cmd.Flags().StringVar(&f.hierarchical, "hierarchical", "", "Hierarchical embedding, comma separated")
	cmd.Flags().StringVar(&f.model, "model", "", "Embedding model name")
}

func (f *vectorFlags) input() (embedding.Input, error) {
	var in embedding.Input
	var err error
	if in.Individual, err = parseVector(f.individual); err != nil {
		return in, err
	}
	if in.Contextual, err = parseVector(f.contextual); err != nil {
		return in, err
	}
	if in.Hierarchical, err = parseVector(f.hierarchical); err != nil {
		return in, err
	}
	in.Model = f.model
	return in, nil
}

func (f *vectorFlags) set() bool {
	return f.individual != "" || f.contextual != "" || f.hierarchical != ""
}

func (a *app) createCmd() *cobra.Command {
	var (
		req     engine.CreateRequest
		typ     string
		image   string
		mime    string
		vectors vectorFlags
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an entity",
		Example: `  canopy create --type date --id 2024-06-01 --content "June 1st"
  canopy create --type text --parent 2024-06-01 --content "note" --vector 0.1,0.9
  canopy create --image beach.jpg --parent 2024-06-01 --content "sunset"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := vectors.input()
			if err != nil {
				return err
			}
			var ent *types.Entity
			if image != "" {
				ent, err = a.createImage(cmd, req, image, mime, in)
			} else {
				req.Type = types.EntityType(typ)
				req.Embeddings = in
				ent, err = a.engine.Create(cmd.Context(), req)
			}
			if err != nil {
				return err
			}
			return a.emit(ent, func(w io.Writer) { fmt.Fprintln(w, ent.ID) })
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "Entity id (generated when empty)")
	cmd.Flags().StringVar(&typ, "type", string(types.TypeText), "Entity type")
	cmd.Flags().StringVar(&req.Content, "content", "", "Text content or description")
	cmd.Flags().StringVar(&req.ParentID, "parent", "", "Parent entity id")
	cmd.Flags().StringVar(&req.BeforeSiblingID, "after", "", "Place after this sibling")
	cmd.Flags().StringVar(&image, "image", "", "Image file to store as an image entity")
	cmd.Flags().StringVar(&mime, "mime", "", "Image MIME type (detected when empty)")
	cmd.Flags().BoolVar(&req.Generate, "generate", false, "Ask the configured embedding provider when no --vector is given")
	vectors.register(cmd)
	return cmd
}

func (a *app) createImage(cmd *cobra.Command, req engine.CreateRequest, path, mime string, in embedding.Input) (*types.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return a.engine.CreateImage(cmd.Context(), engine.ImageRequest{
		ID:          req.ID,
		ParentID:    req.ParentID,
		Filename:    filepath.Base(path),
		MimeType:    mime,
		Description: req.Content,
		Data:        data,
		Embeddings:  in,
		Generate:    req.Generate,
	})
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ent, err := a.engine.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(ent, func(w io.Writer) { a.printEntities(w, []*types.Entity{ent}) })
		},
	}
}

func (a *app) updateCmd() *cobra.Command {
	var (
		content  string
		vectors  vectorFlags
		generate bool
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit an entity's content or embeddings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.UpdateRequest{Generate: generate}
			if cmd.Flags().Changed("content") {
				req.Content = &content
			}
			if vectors.set() {
				in, err := vectors.input()
				if err != nil {
					return err
				}
				req.Embeddings = &in
			}
			ent, err := a.engine.Update(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return a.emit(ent, func(w io.Writer) { a.printEntities(w, []*types.Entity{ent}) })
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "New content")
	cmd.Flags().BoolVar(&generate, "generate", false, "Regenerate the individual vector through the embedding provider, keeping the other levels")
	vectors.register(cmd)
	return cmd
}

func (a *app) moveCmd() *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Re-parent an entity, or make it a root with an empty --parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ent, err := a.engine.Move(cmd.Context(), args[0], parent)
			if err != nil {
				return err
			}
			return a.emit(ent, func(w io.Writer) { a.printEntities(w, []*types.Entity{ent}) })
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "New parent id")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an entity; children move up unless --cascade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.DeleteOptions{}
			if cascade {
				opts.Policy = engine.DeleteCascade
			}
			removed, err := a.engine.Delete(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return a.emit(removed, func(w io.Writer) {
				for _, id := range removed {
					fmt.Fprintln(w, id)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "Delete the whole subtree")
	return cmd
}

func (a *app) subtreeCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "subtree <root-id>",
		Short: "List a root and every entity beneath it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				nodes []*types.Entity
				err   error
			)
			if typ != "" {
				nodes, err = a.engine.GetSubtreeByType(cmd.Context(), args[0], types.EntityType(typ))
			} else {
				nodes, err = a.engine.GetSubtree(cmd.Context(), args[0])
			}
			if nodes == nil && err != nil {
				return err
			}
			if emitErr := a.emit(nodes, func(w io.Writer) { a.printEntities(w, nodes) }); emitErr != nil {
				return emitErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Only entities of this type")
	return cmd
}

func (a *app) childrenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "children <id>",
		Short: "List direct children in sibling order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := a.engine.GetChildren(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(nodes, func(w io.Writer) { a.printEntities(w, nodes) })
		},
	}
}

func (a *app) printEntities(w io.Writer, entities []*types.Entity) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tPARENT\tROOT\tCONTENT")
	for _, e := range entities {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Type, dash(e.Hierarchy.ParentID), dash(e.Hierarchy.RootID), truncate(e.Content, 60))
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
