package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// Dialect captures the SQL differences between the relational backends.
type Dialect struct {
	Name string

	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// IsUniqueViolation reports whether err came from a unique or primary
	// key constraint.
	IsUniqueViolation func(err error) bool

	// TimeValue converts a timestamp into the driver argument stored in
	// timestamp columns.
	TimeValue func(t time.Time) any
}

// QuestionPlaceholder renders ? for every parameter.
func QuestionPlaceholder(int) string { return "?" }

// DollarPlaceholder renders $1, $2, ...
func DollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// MigrationManager applies numbered SQL files from an fs.FS. Files are named
// NNN_name.up.sql / NNN_name.down.sql and the applied version is tracked in a
// schema_migrations table.
type MigrationManager struct {
	db      *sql.DB
	files   fs.FS
	dialect Dialect
}

type migration struct {
	version  uint
	name     string
	upFile   string
	downFile string
}

// NewMigrationManager creates a MigrationManager reading migrations from the
// root of files. Backends pass an embed.FS sub-tree.
func NewMigrationManager(ctx context.Context, db *sql.DB, files fs.FS, dialect Dialect) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}
	if files == nil {
		return nil, fmt.Errorf("migrations: migration files are required")
	}

	mgr := &MigrationManager{db: db, files: files, dialect: dialect}
	if err := mgr.ensureSchemaTable(ctx); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}
	return mgr, nil
}

func (mgr *MigrationManager) ensureSchemaTable(ctx context.Context) error {
	_, err := mgr.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Up applies all pending migrations in ascending version order. Each
// migration and its version row are committed together.
func (mgr *MigrationManager) Up(ctx context.Context) (int, error) {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to load migration files: %w", err)
	}

	currentVersion, err := mgr.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return 0, fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		record := fmt.Sprintf("INSERT INTO schema_migrations (version) VALUES (%s)", mgr.dialect.Placeholder(1))
		if err := mgr.apply(ctx, m.upFile, record, m.version); err != nil {
			return applied, fmt.Errorf("migrations: failed to apply version %d (%s): %w", m.version, m.name, err)
		}
		applied++
	}
	return applied, nil
}

// Down rolls back all applied migrations in descending version order.
func (mgr *MigrationManager) Down(ctx context.Context) error {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return fmt.Errorf("migrations: failed to load migration files: %w", err)
	}

	currentVersion, err := mgr.Version(ctx)
	if errors.Is(err, ErrNoMigration) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version > migrations[j].version
	})

	for _, m := range migrations {
		if m.version > currentVersion {
			continue
		}
		if m.downFile == "" {
			return fmt.Errorf("migrations: version %d (%s) has no down file", m.version, m.name)
		}
		remove := fmt.Sprintf("DELETE FROM schema_migrations WHERE version = %s", mgr.dialect.Placeholder(1))
		if err := mgr.apply(ctx, m.downFile, remove, m.version); err != nil {
			return fmt.Errorf("migrations: failed to roll back version %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func (mgr *MigrationManager) apply(ctx context.Context, file, bookkeeping string, version uint) error {
	body, err := fs.ReadFile(mgr.files, file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	tx, err := mgr.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return err
	}
	return tx.Commit()
}

// Version returns the highest applied migration version, or ErrNoMigration
// when none has been applied.
func (mgr *MigrationManager) Version(ctx context.Context) (uint, error) {
	var version int64
	err := mgr.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, ErrNoMigration
	}
	return uint(version), nil
}

// loadMigrations returns migrations sorted by version ascending. Files
// without a numeric prefix are ignored, as are versions lacking an up file.
func (mgr *MigrationManager) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(mgr.files, ".")
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read directory: %w", err)
	}

	byVersion := make(map[uint]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}

		versionStr, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(versionStr, 10, 64)
		if err != nil {
			continue
		}
		version := uint(v)

		m, ok := byVersion[version]
		if !ok {
			m = &migration{version: version}
			byVersion[version] = m
		}

		switch {
		case strings.HasSuffix(rest, ".up.sql"):
			m.name = strings.TrimSuffix(rest, ".up.sql")
			m.upFile = name
		case strings.HasSuffix(rest, ".down.sql"):
			m.downFile = name
		}
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.upFile == "" {
			continue
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}
