// Package config provides configuration management for canopy.
// Settings come from built-in defaults, optionally overlaid by a YAML file,
// and finally by environment variables with the CANOPY_ prefix.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/canopy/internal/backup"
	"github.com/scrypster/canopy/internal/embedding"
	"github.com/scrypster/canopy/internal/engine"
	"github.com/scrypster/canopy/internal/hierarchy"
	"github.com/scrypster/canopy/internal/perf"
	"github.com/scrypster/canopy/internal/search"
	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/internal/storage/memstore"
	"github.com/scrypster/canopy/internal/storage/postgres"
	"github.com/scrypster/canopy/internal/storage/sqlite"
)

// ConfigPathEnv names the variable Load falls back to when no path is given.
const ConfigPathEnv = "CANOPY_CONFIG"

// Storage engines.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
	EngineMemory   = "memory"
)

// Config holds all configuration settings for canopy.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    search.Config   `yaml:"search"`
	Hierarchy HierarchyConfig `yaml:"hierarchy"`
	Perf      PerfConfig      `yaml:"perf"`
	Backup    BackupConfig    `yaml:"backup"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig selects and configures the backend.
type StorageConfig struct {
	Engine         string                 `yaml:"engine"`          // sqlite, postgres or memory (default: sqlite)
	DataPath       string                 `yaml:"data_path"`       // SQLite database file (default: ./data/canopy.db)
	PostgresDSN    string                 `yaml:"postgres_dsn"`    // lib/pq connection string
	VectorEncoding storage.VectorEncoding `yaml:"vector_encoding"` // float32 or float16 (default: float32)

	// DisablePgvector forces in-process ranking on postgres.
	DisablePgvector bool `yaml:"disable_pgvector"`
	MaxOpenConns    int  `yaml:"max_open_conns"`
}

// EmbeddingConfig fixes the vector dimension and guards the generator.
type EmbeddingConfig struct {
	Dimension int    `yaml:"dimension"` // Required, shared by every stored vector (default: 384)
	Model     string `yaml:"model"`     // Recorded on vectors whose writer named none

	// Optional HTTP generator: ollama or openai. Empty means vectors are
	// always supplied by the caller.
	Provider string        `yaml:"provider"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`

	// Generator guard settings.
	MaxFailures   int           `yaml:"max_failures"`
	OpenTimeout   time.Duration `yaml:"open_timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"` // 0 disables rate limiting
	Burst         int           `yaml:"burst"`
}

// HierarchyConfig tunes the hierarchy index and write policies.
type HierarchyConfig struct {
	BatchSize    int                 `yaml:"batch_size"`
	MaxDepth     int                 `yaml:"max_depth"`
	DeletePolicy engine.DeletePolicy `yaml:"delete_policy"` // reparent or cascade (default: reparent)
}

// PerfConfig configures the operation monitor.
type PerfConfig struct {
	Thresholds    perf.Thresholds `yaml:"thresholds"`
	DisableAlerts bool            `yaml:"disable_alerts"`
	Window        int             `yaml:"window"`
	MaxAlerts     int             `yaml:"max_alerts"`
}

// BackupConfig configures SQLite snapshots.
type BackupConfig struct {
	Dir        string                 `yaml:"dir"` // Snapshot directory (default: ./backups)
	Retention  backup.RetentionPolicy `yaml:"retention"`
	SkipVerify bool                   `yaml:"skip_verify"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error (default: info)
	Format string `yaml:"format"` // text or json (default: text)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:         EngineSQLite,
			DataPath:       filepath.Join("data", "canopy.db"),
			VectorEncoding: storage.EncodingFloat32,
		},
		Embedding: EmbeddingConfig{
			Dimension:   384,
			Model:       embedding.DefaultModel,
			MaxFailures: 3,
			OpenTimeout: 30 * time.Second,
			Burst:       1,
		},
		Search: search.DefaultConfig(),
		Hierarchy: HierarchyConfig{
			BatchSize:    500,
			MaxDepth:     10000,
			DeletePolicy: engine.DeleteReparent,
		},
		Perf: PerfConfig{
			Thresholds: perf.DefaultThresholds(),
			Window:     1024,
			MaxAlerts:  100,
		},
		Backup: BackupConfig{
			Dir:       "backups",
			Retention: backup.DefaultRetention(),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, the YAML file at path and
// the environment, in that order of precedence. An empty path falls back to
// $CANOPY_CONFIG; when both are empty no file is read.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load for an in-memory YAML document, without the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays data onto c. Unknown keys are rejected so typos surface.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays CANOPY_* variables. Values that fail to parse keep the
// current setting.
func (c *Config) applyEnv() {
	c.Storage.Engine = getEnv("CANOPY_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DataPath = getEnv("CANOPY_DATA_PATH", c.Storage.DataPath)
	c.Storage.PostgresDSN = getEnv("CANOPY_POSTGRES_DSN", c.Storage.PostgresDSN)
	c.Storage.VectorEncoding = storage.VectorEncoding(getEnv("CANOPY_VECTOR_ENCODING", string(c.Storage.VectorEncoding)))
	c.Storage.DisablePgvector = getEnvBool("CANOPY_DISABLE_PGVECTOR", c.Storage.DisablePgvector)

	c.Embedding.Dimension = getEnvInt("CANOPY_EMBEDDING_DIMENSION", c.Embedding.Dimension)
	c.Embedding.Model = getEnv("CANOPY_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Provider = getEnv("CANOPY_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.BaseURL = getEnv("CANOPY_EMBEDDING_URL", c.Embedding.BaseURL)
	c.Embedding.APIKey = getEnv("CANOPY_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.RatePerSecond = getEnvFloat("CANOPY_EMBEDDING_RATE", c.Embedding.RatePerSecond)

	c.Search.MaxResults = getEnvInt("CANOPY_SEARCH_MAX_RESULTS", c.Search.MaxResults)
	c.Search.MinSimilarityThreshold = getEnvFloat("CANOPY_SEARCH_MIN_SIMILARITY", c.Search.MinSimilarityThreshold)
	c.Search.SearchTimeout = getEnvDuration("CANOPY_SEARCH_TIMEOUT", c.Search.SearchTimeout)
	c.Search.MaxHops = getEnvInt("CANOPY_SEARCH_MAX_HOPS", c.Search.MaxHops)

	c.Hierarchy.BatchSize = getEnvInt("CANOPY_HIERARCHY_BATCH_SIZE", c.Hierarchy.BatchSize)
	c.Hierarchy.DeletePolicy = engine.DeletePolicy(getEnv("CANOPY_DELETE_POLICY", string(c.Hierarchy.DeletePolicy)))

	c.Perf.DisableAlerts = getEnvBool("CANOPY_PERF_DISABLE_ALERTS", c.Perf.DisableAlerts)

	c.Backup.Dir = getEnv("CANOPY_BACKUP_DIR", c.Backup.Dir)

	c.Log.Level = getEnv("CANOPY_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("CANOPY_LOG_FORMAT", c.Log.Format)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case EngineSQLite:
		if c.Storage.DataPath == "" {
			return errors.New("config: storage.data_path is required for sqlite")
		}
	case EnginePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("config: storage.postgres_dsn is required for postgres")
		}
	case EngineMemory:
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if !c.Storage.VectorEncoding.Valid() {
		return fmt.Errorf("config: unsupported vector encoding %q", c.Storage.VectorEncoding)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	switch c.Embedding.Provider {
	case "", embedding.ProviderOllama, embedding.ProviderOpenAI:
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.RatePerSecond < 0 {
		return fmt.Errorf("config: embedding.rate_per_second must not be negative")
	}
	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("config: search: %w", err)
	}
	if !c.Hierarchy.DeletePolicy.Valid() {
		return fmt.Errorf("config: unknown delete policy %q", c.Hierarchy.DeletePolicy)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// GuardOptions returns the generator guard settings.
func (c *Config) GuardOptions(logger *slog.Logger) embedding.GuardOptions {
	return embedding.GuardOptions{
		MaxFailures:   uint32(c.Embedding.MaxFailures),
		OpenTimeout:   c.Embedding.OpenTimeout,
		RatePerSecond: c.Embedding.RatePerSecond,
		Burst:         c.Embedding.Burst,
		Logger:        logger,
	}
}

// Generator returns the configured HTTP generator, or nil when no provider
// is set.
func (c *Config) Generator() (embedding.Generator, error) {
	if c.Embedding.Provider == "" {
		return nil, nil
	}
	model := c.Embedding.Model
	if model == embedding.DefaultModel {
		model = ""
	}
	remote, err := embedding.NewRemote(embedding.RemoteOptions{
		Provider: c.Embedding.Provider,
		BaseURL:  c.Embedding.BaseURL,
		Model:    model,
		APIKey:   c.Embedding.APIKey,
		Timeout:  c.Embedding.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return remote, nil
}

// EngineOptions converts c into engine options. A non-nil generator is
// wrapped in the configured circuit breaker and rate limiter.
func (c *Config) EngineOptions(gen embedding.Generator, logger *slog.Logger) engine.Options {
	if gen != nil {
		gen = embedding.NewGuardedGenerator(gen, c.GuardOptions(logger))
	}
	return engine.Options{
		Embedding: embedding.Options{
			Dimension: c.Embedding.Dimension,
			Model:     c.Embedding.Model,
			Generator: gen,
			Logger:    logger,
		},
		Search: c.Search,
		Hierarchy: hierarchy.Options{
			BatchSize: c.Hierarchy.BatchSize,
			MaxDepth:  c.Hierarchy.MaxDepth,
			Logger:    logger,
		},
		DeletePolicy: c.Hierarchy.DeletePolicy,
		Monitor: perf.NewMonitor(perf.Options{
			Thresholds:    c.Perf.Thresholds,
			DisableAlerts: c.Perf.DisableAlerts,
			Window:        c.Perf.Window,
			MaxAlerts:     c.Perf.MaxAlerts,
			Logger:        logger,
		}),
		Logger: logger,
	}
}

// BackupOptions converts c into snapshot options.
func (c *Config) BackupOptions(logger *slog.Logger) backup.Options {
	return backup.Options{
		Dir:        c.Backup.Dir,
		Retention:  c.Backup.Retention,
		SkipVerify: c.Backup.SkipVerify,
		Logger:     logger,
	}
}

// OpenStorage opens the configured backend.
func (c *Config) OpenStorage(ctx context.Context, logger *slog.Logger) (storage.Backend, error) {
	switch c.Storage.Engine {
	case EngineMemory:
		return memstore.New(memstore.Options{Dimension: c.Embedding.Dimension}), nil
	case EnginePostgres:
		return postgres.Open(ctx, c.Storage.PostgresDSN, postgres.Options{
			Dimension:       c.Embedding.Dimension,
			Encoding:        c.Storage.VectorEncoding,
			DisablePgvector: c.Storage.DisablePgvector,
			MaxOpenConns:    c.Storage.MaxOpenConns,
			Logger:          logger,
		})
	default:
		if dir := filepath.Dir(c.Storage.DataPath); dir != "." && c.Storage.DataPath != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("config: failed to create data directory: %w", err)
			}
		}
		return sqlite.Open(c.Storage.DataPath, sqlite.Options{
			Dimension: c.Embedding.Dimension,
			Encoding:  c.Storage.VectorEncoding,
			Logger:    logger,
		})
	}
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: unknown log level %q", s)
	}
	return level, nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return defaultValue
}
