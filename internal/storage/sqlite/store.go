// Package sqlite implements storage.Backend on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Compile-time check that Store satisfies the backend contract.
var _ storage.Backend = (*Store)(nil)

// Options configures a Store.
type Options struct {
	// Dimension is the deployment's vector dimensionality. When positive,
	// writes with vectors of any other length are rejected.
	Dimension int

	// Encoding selects the BLOB layout for vectors (default float32).
	Encoding storage.VectorEncoding

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger
}

// Store implements storage.Backend using SQLite.
type Store struct {
	db        *sql.DB
	dimension int
	encoding  storage.VectorEncoding
	logger    *slog.Logger
}

// Open creates a SQLite-backed store. When the first open fails the way a
// crashed writer's leftover -wal/-shm files make it fail, and no process
// holds those files, they are removed and the open is retried once.
func Open(dsn string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Encoding == "" {
		opts.Encoding = storage.EncodingFloat32
	}
	if !opts.Encoding.Valid() {
		return nil, fmt.Errorf("sqlite: unsupported vector encoding %q", opts.Encoding)
	}

	store, err := open(dsn, opts)
	if err == nil {
		return store, nil
	}

	if !crashSymptom(err) {
		return nil, err
	}
	path := filePath(dsn)
	if path == "" {
		return nil, err
	}
	orphans := orphanedSidecars(path)
	if len(orphans) == 0 {
		return nil, err
	}
	removeSidecars(orphans, opts.Logger)

	store, retryErr := open(dsn, opts)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlite: reopen after removing orphaned WAL files: %w (original: %v)", retryErr, err)
	}

	opts.Logger.Warn("sqlite: recovered from orphaned WAL files", "path", path, "removed", len(orphans))
	return store, nil
}

// open opens a SQLite database, configures WAL mode, and migrates the schema.
func open(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrations: %w", err)
	}
	schema, err := storage.LoadSchema(sub, storage.DialectSQLite)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if _, err := schema.Migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	return &Store{
		db:        db,
		dimension: opts.Dimension,
		encoding:  opts.Encoding,
		logger:    opts.Logger,
	}, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Get retrieves an entity by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	entity, err := scanEntity(row, s.dimension)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFoundf("entity %s", id)
	}
	if err != nil {
		return nil, storage.WrapBackend("get", err)
	}
	return entity, nil
}

// Put creates or replaces a single entity row.
func (s *Store) Put(ctx context.Context, entity *types.Entity) error {
	return s.Apply(ctx, []*types.Entity{entity}, nil)
}

// PutBatch writes all rows in one transaction.
func (s *Store) PutBatch(ctx context.Context, entities []*types.Entity) error {
	return s.Apply(ctx, entities, nil)
}

// Delete removes an entity row.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return storage.WrapBackend("delete", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return storage.WrapBackend("delete", err)
	}
	if rowsAffected == 0 {
		return storage.NotFoundf("entity %s", id)
	}
	return nil
}

// Apply writes puts and removes deletes in a single transaction.
func (s *Store) Apply(ctx context.Context, puts []*types.Entity, deletes []string) error {
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}

	// Encode everything before opening the transaction so a validation
	// failure never leaves a half-written batch.
	argsList := make([][]any, 0, len(puts))
	for _, e := range puts {
		if e == nil {
			return fmt.Errorf("%w: nil entity", storage.ErrInvalidInput)
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrValidation, err)
		}
		args, err := entityArgs(e, s.dimension, s.encoding)
		if err != nil {
			return err
		}
		argsList = append(argsList, args)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.WrapBackend("apply", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(deletes) > 0 {
		del, err := tx.PrepareContext(ctx, `DELETE FROM entities WHERE id = ?`)
		if err != nil {
			return storage.WrapBackend("apply", err)
		}
		defer del.Close()
		for _, id := range deletes {
			if _, err := del.ExecContext(ctx, id); err != nil {
				return storage.WrapBackend("apply", err)
			}
		}
	}

	if len(argsList) > 0 {
		up, err := tx.PrepareContext(ctx, upsertSQL)
		if err != nil {
			return storage.WrapBackend("apply", err)
		}
		defer up.Close()
		for _, args := range argsList {
			if _, err := up.ExecContext(ctx, args...); err != nil {
				return storage.WrapBackend("apply", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.WrapBackend("apply", err)
	}
	return nil
}

// Scan returns the rows matching filter.
func (s *Store) Scan(ctx context.Context, filter storage.Filter) ([]*types.Entity, error) {
	where, args := buildWhere(filter)
	query := `SELECT ` + entityColumns + ` FROM entities` + where
	if filter.KeysetPaged() {
		query += ` ORDER BY id ASC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapBackend("scan", err)
	}
	defer func() { _ = rows.Close() }()

	entities := []*types.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows, s.dimension)
		if err != nil {
			return nil, storage.WrapBackend("scan", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapBackend("scan", err)
	}
	return entities, nil
}

// Count returns the number of rows matching filter.
func (s *Store) Count(ctx context.Context, filter storage.Filter) (int, error) {
	filter.Limit = 0
	where, args := buildWhere(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`+where, args...).Scan(&n); err != nil {
		return 0, storage.WrapBackend("count", err)
	}
	return n, nil
}

// Close flushes the WAL into the main database file and releases resources.
// The TRUNCATE checkpoint removes the -shm and -wal files so that other
// processes can open the database without encountering stale WAL state.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("sqlite: WAL checkpoint on close failed", "error", err)
	}

	return s.db.Close()
}

// buildWhere translates a storage.Filter into a WHERE clause.
func buildWhere(f storage.Filter) (string, []any) {
	var conditions []string
	var args []any

	if len(f.IDs) > 0 {
		conditions = append(conditions, "id IN ("+buildInClause(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.RootID != "" {
		conditions = append(conditions, "root_id = ?")
		args = append(args, f.RootID)
	}
	if f.ParentID != "" {
		conditions = append(conditions, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if len(f.Types) > 0 {
		conditions = append(conditions, "type IN ("+buildInClause(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.ExcludeTypes) > 0 {
		conditions = append(conditions, "type NOT IN ("+buildInClause(len(f.ExcludeTypes))+")")
		for _, t := range f.ExcludeTypes {
			args = append(args, string(t))
		}
	}
	if f.RootType != "" {
		conditions = append(conditions, "root_type = ?")
		args = append(args, string(f.RootType))
	}
	if f.RootsOnly {
		conditions = append(conditions, "parent_id IS NULL")
	}
	if f.EmbeddedOnly {
		conditions = append(conditions, "(embedding_model IS NOT NULL OR embeddings_generated_at IS NOT NULL)")
	}
	if !f.CreatedAfter.IsZero() {
		conditions = append(conditions, "created_at > ?")
		args = append(args, f.CreatedAfter.UnixNano())
	}
	if !f.CreatedBefore.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, f.CreatedBefore.UnixNano())
	}
	if f.AfterID != "" {
		conditions = append(conditions, "id > ?")
		args = append(args, f.AfterID)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// buildInClause returns a comma-separated string of n "?" placeholders.
func buildInClause(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
