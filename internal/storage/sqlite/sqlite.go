// Package sqlite opens the registry store on a local SQLite database using
// the CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/internal/storage/sqlstore"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Dialect is the SQLite flavour of storage.Dialect.
var Dialect = storage.Dialect{
	Name:              "sqlite",
	Placeholder:       storage.QuestionPlaceholder,
	IsUniqueViolation: isUniqueViolation,
	TimeValue:         sqlstore.TextTime,
}

// Migrations returns the embedded migration files.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Open opens (creating if needed) the database at dsn, applies pending
// migrations and returns the store. If the first open fails because of
// stale WAL files left by a crashed process, and no other process holds
// them, the files are removed and the open is retried once.
func Open(ctx context.Context, dsn string, log logrus.FieldLogger) (*sqlstore.Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := open(ctx, dsn)
	if err != nil {
		if !isRecoverableWALError(err) {
			return nil, err
		}
		dbPath := dbPathFromDSN(dsn)
		if dbPath == "" || !isWALStale(dbPath) {
			return nil, err
		}
		removeStaleWAL(dbPath, log)

		var retryErr error
		db, retryErr = open(ctx, dsn)
		if retryErr != nil {
			return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
		}
		log.WithField("path", dbPath).Warn("sqlite: recovered from stale WAL files")
	}

	mgr, err := storage.NewMigrationManager(ctx, db, Migrations(), Dialect)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	applied, err := mgr.Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if applied > 0 {
		log.WithField("applied", applied).Info("sqlite: migrations applied")
	}

	return sqlstore.New(db, Dialect, func(db *sql.DB) {
		if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			log.WithError(err).Warn("sqlite: WAL checkpoint on close failed")
		}
	}), nil
}

func open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; WAL lets readers proceed meanwhile.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN.
// Returns empty string for in-memory databases or unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}
	return dsn
}

// isRecoverableWALError matches errors caused by stale WAL files left behind
// after a crash.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale reports whether -shm/-wal files exist for dbPath and no process
// holds them open. Without lsof it conservatively reports false.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"
	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}
	output, err := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath).Output()
	if err != nil {
		// lsof exits 1 when nothing has the files open.
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string, log logrus.FieldLogger) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("sqlite: failed to remove stale WAL file")
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
