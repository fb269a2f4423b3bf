// Package backup takes consistent point-in-time snapshots of a SQLite
// store and prunes old snapshots by a tiered retention policy.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for verification
)

const (
	filePrefix = "canopy-"
	fileSuffix = ".db"
	timeLayout = "20060102T150405Z"
)

// ErrNoDirectory is returned when no snapshot directory is configured.
var ErrNoDirectory = errors.New("backup: directory is required")

// RetentionPolicy defines how many snapshots to keep at each age tier:
// hourly (under a day old), daily (under a week), weekly (under 30 days)
// and monthly (under a year). Older snapshots are always removed.
type RetentionPolicy struct {
	Hourly  int `yaml:"hourly"`
	Daily   int `yaml:"daily"`
	Weekly  int `yaml:"weekly"`
	Monthly int `yaml:"monthly"`
}

// DefaultRetention keeps a day of hourlies, a week of dailies, a month of
// weeklies and a year of monthlies.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Options configures Snapshot.
type Options struct {
	// Dir receives the snapshot files. Created when missing.
	Dir string

	Retention RetentionPolicy

	// SkipVerify disables the integrity check of the new snapshot.
	SkipVerify bool

	// Now stamps the snapshot name and anchors retention ages.
	Now func() time.Time

	Logger *slog.Logger
}

func (o *Options) normalize() {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Info describes one snapshot file.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Result is the outcome of Snapshot.
type Result struct {
	Info
	Duration time.Duration `json:"duration"`
	Entities int           `json:"entities"`
	Verified bool          `json:"verified"`
	Pruned   []string      `json:"pruned,omitempty"`
}

// Snapshot writes a consistent copy of db into opts.Dir with VACUUM INTO,
// which is safe against a live WAL-mode database, then verifies it and
// applies the retention policy.
func Snapshot(ctx context.Context, db *sql.DB, opts Options) (*Result, error) {
	opts.normalize()
	if opts.Dir == "" {
		return nil, ErrNoDirectory
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: failed to create directory: %w", err)
	}

	start := time.Now()
	now := opts.Now().UTC()
	path := filepath.Join(opts.Dir, filePrefix+now.Format(timeLayout)+fileSuffix)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("backup: %s already exists", path)
	}

	if _, err := db.ExecContext(ctx, "VACUUM INTO "+quote(path)); err != nil {
		return nil, fmt.Errorf("backup: snapshot failed: %w", err)
	}

	res := &Result{Info: Info{Path: path, Timestamp: now}}
	if st, err := os.Stat(path); err == nil {
		res.Size = st.Size()
	}
	if !opts.SkipVerify {
		n, err := Verify(ctx, path)
		if err != nil {
			_ = os.Remove(path)
			return nil, err
		}
		res.Entities, res.Verified = n, true
	}

	pruned, err := Prune(opts.Dir, opts.Retention, now)
	res.Pruned = pruned
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}

	opts.Logger.Info("backup: snapshot written",
		"path", path, "size", res.Size, "entities", res.Entities, "pruned", len(pruned), "duration", res.Duration)
	return res, nil
}

// Verify opens the snapshot read-only, runs SQLite's integrity check and
// returns the number of stored entities.
func Verify(ctx context.Context, path string) (int, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return 0, fmt.Errorf("backup: failed to open %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return 0, fmt.Errorf("backup: integrity check of %s: %w", path, err)
	}
	if result != "ok" {
		return 0, fmt.Errorf("backup: integrity check of %s failed: %s", path, result)
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities").Scan(&n); err != nil {
		return 0, fmt.Errorf("backup: %s is not a canopy store: %w", path, err)
	}
	return n, nil
}

// List returns the snapshots in dir, newest first. The timestamp comes
// from the file name, or the modification time for files not named by
// Snapshot.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read directory: %w", err)
	}

	var out []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		st, err := entry.Info()
		if err != nil {
			continue
		}
		ts := st.ModTime()
		stamp := strings.TrimSuffix(strings.TrimPrefix(entry.Name(), filePrefix), fileSuffix)
		if parsed, err := time.Parse(timeLayout, stamp); err == nil {
			ts = parsed
		}
		out = append(out, Info{Path: filepath.Join(dir, entry.Name()), Timestamp: ts, Size: st.Size()})
	}
	slices.SortFunc(out, func(a, b Info) int { return b.Timestamp.Compare(a.Timestamp) })
	return out, nil
}

// Prune removes the snapshots in dir that policy does not keep and returns
// their paths. Each tier keeps its newest snapshots.
func Prune(dir string, policy RetentionPolicy, now time.Time) ([]string, error) {
	snapshots, err := List(dir)
	if err != nil {
		return nil, err
	}

	tiers := []struct {
		maxAge time.Duration
		keep   int
		seen   int
	}{
		{24 * time.Hour, policy.Hourly, 0},
		{7 * 24 * time.Hour, policy.Daily, 0},
		{30 * 24 * time.Hour, policy.Weekly, 0},
		{365 * 24 * time.Hour, policy.Monthly, 0},
	}

	var doomed []string
	for _, s := range snapshots {
		age := now.Sub(s.Timestamp)
		kept := false
		for i := range tiers {
			if age < tiers[i].maxAge {
				tiers[i].seen++
				kept = tiers[i].seen <= tiers[i].keep
				break
			}
		}
		if !kept {
			doomed = append(doomed, s.Path)
		}
	}

	var removed []string
	var errs []error
	for _, path := range doomed {
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, path)
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("backup: failed to remove some snapshots: %w", errors.Join(errs...))
	}
	return removed, nil
}

// DiskUsage sums the size of every snapshot in dir.
func DiskUsage(dir string) (int64, error) {
	snapshots, err := List(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range snapshots {
		total += s.Size
	}
	return total, nil
}

// quote renders path as a SQL string literal.
func quote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", "''") + "'"
}
