// Package mysql opens the registry store on MySQL 8 via go-sql-driver/mysql.
package mysql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/internal/storage/sqlstore"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// duplicateEntry is ER_DUP_ENTRY.
const duplicateEntry = 1062

// Dialect is the MySQL flavour of storage.Dialect.
var Dialect = storage.Dialect{
	Name:              "mysql",
	Placeholder:       storage.QuestionPlaceholder,
	IsUniqueViolation: isUniqueViolation,
	TimeValue:         sqlstore.NativeTime,
}

// Migrations returns the embedded migration files.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Open connects to dsn (e.g. "user:pass@tcp(host:3306)/entityres"),
// applies pending migrations and returns the store. The connection options
// the store depends on are forced regardless of what dsn sets.
func Open(ctx context.Context, dsn string, pool sqlstore.PoolConfig, log logrus.FieldLogger) (*sqlstore.Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dsn, err := normalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: failed to open database: %w", err)
	}
	pool.Apply(db)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: failed to ping database: %w", err)
	}

	mgr, err := storage.NewMigrationManager(ctx, db, Migrations(), Dialect)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: %w", err)
	}
	applied, err := mgr.Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: %w", err)
	}
	if applied > 0 {
		log.WithField("applied", applied).Info("mysql: migrations applied")
	}
	return sqlstore.New(db, Dialect, nil), nil
}

// normalizeDSN turns on multi-statement migrations, time.Time scanning in
// UTC and found-rows semantics for the version compare-and-swap.
func normalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("mysql: invalid dsn: %w", err)
	}
	cfg.MultiStatements = true
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == duplicateEntry
}

// TruncateForTest empties every registry table. It exists for integration
// tests sharing one database.
func TruncateForTest(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		"SET FOREIGN_KEY_CHECKS = 0",
		"TRUNCATE TABLE source_bindings",
		"TRUNCATE TABLE confidence_changes",
		"TRUNCATE TABLE resolution_events",
		"TRUNCATE TABLE entities",
		"SET FOREIGN_KEY_CHECKS = 1",
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("mysql: failed to truncate: %w", err)
	}
	defer conn.Close()
	for _, s := range stmts {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("mysql: failed to truncate: %w", err)
		}
	}
	return nil
}
