package config_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/canopy/internal/config"
	"github.com/scrypster/canopy/internal/embedding"
	"github.com/scrypster/canopy/internal/engine"
	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// clearEnv unsets every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.ConfigPathEnv,
		"CANOPY_STORAGE_ENGINE", "CANOPY_DATA_PATH", "CANOPY_POSTGRES_DSN",
		"CANOPY_VECTOR_ENCODING", "CANOPY_DISABLE_PGVECTOR",
		"CANOPY_EMBEDDING_DIMENSION", "CANOPY_EMBEDDING_MODEL", "CANOPY_EMBEDDING_RATE",
		"CANOPY_EMBEDDING_PROVIDER", "CANOPY_EMBEDDING_URL", "CANOPY_EMBEDDING_API_KEY",
		"CANOPY_SEARCH_MAX_RESULTS", "CANOPY_SEARCH_MIN_SIMILARITY", "CANOPY_SEARCH_TIMEOUT",
		"CANOPY_SEARCH_MAX_HOPS", "CANOPY_HIERARCHY_BATCH_SIZE", "CANOPY_DELETE_POLICY",
		"CANOPY_PERF_DISABLE_ALERTS", "CANOPY_BACKUP_DIR", "CANOPY_LOG_LEVEL", "CANOPY_LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canopy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, config.EngineSQLite, cfg.Storage.Engine)
	assert.Equal(t, filepath.Join("data", "canopy.db"), cfg.Storage.DataPath)
	assert.Equal(t, storage.EncodingFloat32, cfg.Storage.VectorEncoding)
	assert.Equal(t, 384, cfg.Embedding.Dimension)
	assert.Equal(t, engine.DeleteReparent, cfg.Hierarchy.DeletePolicy)
	assert.Equal(t, 0.6, cfg.Search.Weights.Semantic)
	assert.Equal(t, 2*time.Second, cfg.Search.SearchTimeout)
	assert.Equal(t, time.Second, cfg.Perf.Thresholds.Create)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "backups", cfg.Backup.Dir)
	assert.Equal(t, 24, cfg.Backup.Retention.Hourly)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
storage:
  engine: memory
  vector_encoding: float16
embedding:
  dimension: 8
  model: mini-embed
search:
  weights:
    semantic: 0.8
    structural: 0.1
    temporal: 0.1
  search_timeout: 750ms
  max_results: 25
hierarchy:
  delete_policy: cascade
perf:
  thresholds:
    get: 100ms
backup:
  dir: /var/backups/canopy
  retention:
    daily: 3
log:
  level: debug
  format: json
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.EngineMemory, cfg.Storage.Engine)
	assert.Equal(t, storage.EncodingFloat16, cfg.Storage.VectorEncoding)
	assert.Equal(t, 8, cfg.Embedding.Dimension)
	assert.Equal(t, "mini-embed", cfg.Embedding.Model)
	assert.Equal(t, 0.8, cfg.Search.Weights.Semantic)
	assert.Equal(t, 750*time.Millisecond, cfg.Search.SearchTimeout)
	assert.Equal(t, 25, cfg.Search.MaxResults)
	assert.Equal(t, engine.DeleteCascade, cfg.Hierarchy.DeletePolicy)
	assert.Equal(t, 100*time.Millisecond, cfg.Perf.Thresholds.Get)
	assert.Equal(t, 2*time.Second, cfg.Perf.Thresholds.Search, "unset keys keep defaults")
	assert.Equal(t, 0.25, cfg.Search.LevelWeights.Contextual, "unset keys keep defaults")
	assert.Equal(t, "/var/backups/canopy", cfg.BackupOptions(nil).Dir)
	assert.Equal(t, 3, cfg.Backup.Retention.Daily)
	assert.Equal(t, 24, cfg.Backup.Retention.Hourly, "unset keys keep defaults")
}

func TestLoad_PathFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.ConfigPathEnv, writeFile(t, "embedding:\n  dimension: 16\n"))
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Embedding.Dimension)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "embedding:\n  dimension: 8\nsearch:\n  max_results: 5\n")
	t.Setenv("CANOPY_EMBEDDING_DIMENSION", "32")
	t.Setenv("CANOPY_SEARCH_TIMEOUT", "5s")
	t.Setenv("CANOPY_DELETE_POLICY", "cascade")
	t.Setenv("CANOPY_PERF_DISABLE_ALERTS", "yes")
	t.Setenv("CANOPY_SEARCH_MAX_RESULTS", "not-a-number")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Embedding.Dimension)
	assert.Equal(t, 5*time.Second, cfg.Search.SearchTimeout)
	assert.Equal(t, engine.DeleteCascade, cfg.Hierarchy.DeletePolicy)
	assert.True(t, cfg.Perf.DisableAlerts)
	assert.Equal(t, 5, cfg.Search.MaxResults, "unparsable values keep the file setting")
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(writeFile(t, "storage:\n  engin: sqlite\n"))
	assert.ErrorContains(t, err, "engin")

	_, err = config.Load(writeFile(t, "embedding: [1, 2]\n"))
	assert.Error(t, err)
}

func TestParse_EmptyDocumentKeepsDefaults(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"unknown engine", func(c *config.Config) { c.Storage.Engine = "bolt" }, "unknown storage engine"},
		{"sqlite without path", func(c *config.Config) { c.Storage.DataPath = "" }, "data_path"},
		{"postgres without dsn", func(c *config.Config) { c.Storage.Engine = config.EnginePostgres }, "postgres_dsn"},
		{"encoding", func(c *config.Config) { c.Storage.VectorEncoding = "int8" }, "vector encoding"},
		{"dimension", func(c *config.Config) { c.Embedding.Dimension = 0 }, "dimension"},
		{"provider", func(c *config.Config) { c.Embedding.Provider = "bert" }, "embedding provider"},
		{"rate", func(c *config.Config) { c.Embedding.RatePerSecond = -1 }, "rate_per_second"},
		{"search", func(c *config.Config) { c.Search.MaxResults = 0 }, "search"},
		{"delete policy", func(c *config.Config) { c.Hierarchy.DeletePolicy = "shred" }, "delete policy"},
		{"log level", func(c *config.Config) { c.Log.Level = "chatty" }, "log level"},
		{"log format", func(c *config.Config) { c.Log.Format = "xml" }, "log format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
	require.NoError(t, config.Default().Validate())
}

func TestEngineOptions_WireAnEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Engine = config.EngineMemory
	cfg.Embedding.Dimension = 2
	cfg.Hierarchy.DeletePolicy = engine.DeleteCascade

	ctx := context.Background()
	backend, err := cfg.OpenStorage(ctx, nil)
	require.NoError(t, err)

	calls := 0
	gen := embedding.GeneratorFunc(func(context.Context, embedding.Content) (embedding.Embedding, error) {
		calls++
		return embedding.Embedding{Vector: []float32{1, 0}, Model: "stub"}, nil
	})
	eng, err := engine.New(backend, cfg.EngineOptions(gen, nil))
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	root, err := eng.Create(ctx, engine.CreateRequest{ID: "D", Type: types.TypeDate, Generate: true})
	require.NoError(t, err)
	assert.Equal(t, "stub", root.Embeddings.Model)
	assert.Equal(t, 1, calls)

	_, err = eng.Create(ctx, engine.CreateRequest{ID: "A", Type: types.TypeText, ParentID: "D"})
	require.NoError(t, err)
	removed, err := eng.Delete(ctx, "D", engine.DeleteOptions{})
	require.NoError(t, err)
	assert.Len(t, removed, 2, "configured cascade policy applies")

	_, ok := eng.Monitor().Stats("create")
	assert.True(t, ok)
}

func TestOpenStorage_SQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Embedding.Dimension = 2
	cfg.Storage.DataPath = filepath.Join(t.TempDir(), "nested", "canopy.db")

	backend, err := cfg.OpenStorage(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	require.NoError(t, backend.Put(context.Background(), &types.Entity{
		ID: "A", Type: types.TypeText, Embeddings: types.EmbeddingSet{Individual: []float32{1, 0}},
	}))
	n, err := backend.Count(context.Background(), storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestGenerator(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	gen, err := cfg.Generator()
	require.NoError(t, err)
	assert.Nil(t, gen)

	t.Setenv("CANOPY_EMBEDDING_PROVIDER", "ollama")
	t.Setenv("CANOPY_EMBEDDING_URL", "http://embedder:11434")
	cfg, err = config.Load("")
	require.NoError(t, err)
	gen, err = cfg.Generator()
	require.NoError(t, err)
	remote, ok := gen.(*embedding.Remote)
	require.True(t, ok)
	assert.Equal(t, "nomic-embed-text", remote.Model(), "the placeholder model name is not sent upstream")

	cfg.Embedding.Provider = embedding.ProviderOpenAI
	_, err = cfg.Generator()
	assert.ErrorContains(t, err, "api key")
}
