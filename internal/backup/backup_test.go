package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/canopy/internal/storage/sqlite"
	"github.com/scrypster/canopy/pkg/types"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func touch(t *testing.T, dir string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, filePrefix+now.Add(-age).Format(timeLayout)+fileSuffix)
	require.NoError(t, os.WriteFile(path, []byte("snapshot"), 0o600))
	return path
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "live.db"), sqlite.Options{Dimension: 2})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.PutBatch(ctx, []*types.Entity{
		{ID: "D", Type: types.TypeDate, CreatedAt: now, UpdatedAt: now},
		{ID: "A", Type: types.TypeText, CreatedAt: now, UpdatedAt: now,
			Hierarchy: types.Hierarchy{ParentID: "D", RootID: "D", RootType: types.TypeDate}},
	}))

	backups := filepath.Join(dir, "backups")
	res, err := Snapshot(ctx, store.DB(), Options{
		Dir:       backups,
		Retention: DefaultRetention(),
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(backups, "canopy-20240601T120000Z.db"), res.Path)
	assert.True(t, res.Verified)
	assert.Equal(t, 2, res.Entities)
	assert.Positive(t, res.Size)
	assert.Empty(t, res.Pruned)

	list, err := List(backups)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, now, list[0].Timestamp)

	_, err = Snapshot(ctx, store.DB(), Options{Dir: backups, Now: func() time.Time { return now }})
	assert.ErrorContains(t, err, "already exists")

	_, err = Snapshot(ctx, store.DB(), Options{})
	assert.ErrorIs(t, err, ErrNoDirectory)
}

func TestVerify_RejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.db")
	require.NoError(t, os.WriteFile(garbage, []byte("not a database at all, just some bytes"), 0o600))
	_, err := Verify(context.Background(), garbage)
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	older := touch(t, dir, 2*time.Hour)
	newer := touch(t, dir, time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.db"), 0o755))

	list, err := List(dir)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer, list[0].Path)
	assert.Equal(t, older, list[1].Path)

	usage, err := DiskUsage(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(2*len("snapshot")), usage)

	_, err = List(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	day := 24 * time.Hour

	h1 := touch(t, dir, time.Hour)
	h2 := touch(t, dir, 2*time.Hour)
	h3 := touch(t, dir, 3*time.Hour)
	d2 := touch(t, dir, 2*day)
	d3 := touch(t, dir, 3*day)
	w := touch(t, dir, 10*day)
	m := touch(t, dir, 40*day)
	ancient := touch(t, dir, 400*day)

	manual := filepath.Join(dir, "manual.db")
	require.NoError(t, os.WriteFile(manual, []byte("x"), 0o600))
	old := now.Add(-500 * day)
	require.NoError(t, os.Chtimes(manual, old, old))

	removed, err := Prune(dir, RetentionPolicy{Hourly: 2, Daily: 1, Weekly: 1, Monthly: 1}, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{h3, d3, ancient, manual}, removed)

	list, err := List(dir)
	require.NoError(t, err)
	var kept []string
	for _, s := range list {
		kept = append(kept, s.Path)
	}
	assert.Equal(t, []string{h1, h2, d2, w, m}, kept)

	t.Run("zero policy removes everything", func(t *testing.T) {
		removed, err := Prune(dir, RetentionPolicy{}, now)
		require.NoError(t, err)
		assert.Len(t, removed, 5)
	})
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `'/tmp/it''s.db'`, quote("/tmp/it's.db"))
}
