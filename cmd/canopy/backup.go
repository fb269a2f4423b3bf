package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/canopy/internal/backup"
	"github.com/scrypster/canopy/internal/config"
)

func (a *app) backupCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the SQLite store and prune old snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Storage.Engine != config.EngineSQLite {
				return fmt.Errorf("backup requires the sqlite engine, not %s", a.cfg.Storage.Engine)
			}
			src, ok := a.backend.(interface{ DB() *sql.DB })
			if !ok {
				return errors.New("backup: storage exposes no database handle")
			}
			opts := a.cfg.BackupOptions(a.logger)
			if dir != "" {
				opts.Dir = dir
			}
			res, err := backup.Snapshot(cmd.Context(), src.DB(), opts)
			if err != nil {
				return err
			}
			return a.emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "%s (%d entities, %d bytes)\n", res.Path, res.Entities, res.Size)
				for _, p := range res.Pruned {
					fmt.Fprintf(w, "pruned %s\n", p)
				}
			})
		},
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "Snapshot directory (overrides config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = a.cfg.Backup.Dir
			}
			list, err := backup.List(dir)
			if err != nil {
				return err
			}
			return a.emit(list, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIMESTAMP\tSIZE\tPATH")
				for _, s := range list {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Timestamp.Format(time.RFC3339), s.Size, s.Path)
				}
				_ = tw.Flush()
			})
		},
	})
	return cmd
}
