package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

// Dialect selects the bind-parameter syntax for schema bookkeeping.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) bind() string {
	if d == DialectPostgres {
		return "$1"
	}
	return "?"
}

// step is one numbered schema change.
type step struct {
	version uint
	name    string
	up      string
	down    string
}

// Schema is an ordered set of SQL migrations loaded from an fs.FS, usually
// an embed.FS inside a backend package. Files are named
// <version>_<name>.up.sql with an optional matching .down.sql. Applied
// versions are recorded in schema_migrations.
type Schema struct {
	steps   []step
	dialect Dialect
}

// LoadSchema parses the migration files at the root of files.
func LoadSchema(files fs.FS, dialect Dialect) (*Schema, error) {
	if files == nil {
		return nil, fmt.Errorf("schema: migration files are required")
	}
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	byVersion := make(map[uint]*step)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		num, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(num, 10, 32)
		if err != nil || v == 0 {
			continue
		}
		body, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}

		s := byVersion[uint(v)]
		if s == nil {
			s = &step{version: uint(v)}
			byVersion[uint(v)] = s
		}
		switch {
		case strings.HasSuffix(rest, ".up.sql"):
			if s.up != "" {
				return nil, fmt.Errorf("schema: duplicate up migration for version %d", v)
			}
			s.name, s.up = strings.TrimSuffix(rest, ".up.sql"), string(body)
		case strings.HasSuffix(rest, ".down.sql"):
			s.down = string(body)
		}
	}

	out := &Schema{dialect: dialect}
	for _, s := range byVersion {
		if s.up == "" {
			return nil, fmt.Errorf("schema: version %d has no up migration", s.version)
		}
		out.steps = append(out.steps, *s)
	}
	slices.SortFunc(out.steps, func(a, b step) int { return int(a.version) - int(b.version) })
	return out, nil
}

// Latest is the highest version the schema knows.
func (s *Schema) Latest() uint {
	if len(s.steps) == 0 {
		return 0
	}
	return s.steps[len(s.steps)-1].version
}

// Current returns the highest applied version, 0 for a fresh database.
func (s *Schema) Current(ctx context.Context, db *sql.DB) (uint, error) {
	if err := s.ensureTable(ctx, db); err != nil {
		return 0, err
	}
	var v uint
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("schema: failed to read version: %w", err)
	}
	return v, nil
}

// Migrate applies every pending step in order and returns the versions it
// applied. Each step commits together with its version record.
func (s *Schema) Migrate(ctx context.Context, db *sql.DB) ([]uint, error) {
	current, err := s.Current(ctx, db)
	if err != nil {
		return nil, err
	}
	var applied []uint
	for _, st := range s.steps {
		if st.version <= current {
			continue
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, st.up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ("+s.dialect.bind()+")", st.version)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("schema: version %d (%s): %w", st.version, st.name, err)
		}
		applied = append(applied, st.version)
	}
	return applied, nil
}

// Rollback undoes applied steps newest first until the database is at
// version target. A step without a down migration stops the rollback.
func (s *Schema) Rollback(ctx context.Context, db *sql.DB, target uint) error {
	current, err := s.Current(ctx, db)
	if err != nil {
		return err
	}
	for i := len(s.steps) - 1; i >= 0; i-- {
		st := s.steps[i]
		if st.version > current || st.version <= target {
			continue
		}
		if st.down == "" {
			return fmt.Errorf("schema: version %d (%s) cannot be rolled back", st.version, st.name)
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, st.down); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = "+s.dialect.bind(), st.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("schema: rollback of version %d (%s): %w", st.version, st.name, err)
		}
	}
	return nil
}

func (s *Schema) ensureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("schema: failed to create schema_migrations: %w", err)
	}
	return nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
