package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupPrefix = "entityres-"

// Backup writes a consistent snapshot of the database at dbPath into dir
// with VACUUM INTO, verifies it and then prunes dir down to the keep most
// recent snapshots. It returns the snapshot path. The source may be open
// in another process; WAL mode keeps the copy point-in-time.
func Backup(ctx context.Context, dbPath, dir string, keep int, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("backup: mkdir %s: %w", dir, err)
	}
	dest := filepath.Join(dir, backupPrefix+now.UTC().Format("20060102-150405.000000000")+".db")

	src, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("backup: open source: %w", err)
	}
	defer src.Close()
	if err := src.PingContext(ctx); err != nil {
		return "", fmt.Errorf("backup: open source: %w", err)
	}
	if _, err := src.ExecContext(ctx, "VACUUM INTO '"+strings.ReplaceAll(dest, "'", "''")+"'"); err != nil {
		return "", fmt.Errorf("backup: vacuum into %s: %w", dest, err)
	}

	if err := Verify(ctx, dest); err != nil {
		_ = os.Remove(dest)
		return "", err
	}
	if err := prune(dir, keep); err != nil {
		return dest, err
	}
	return dest, nil
}

// Verify runs PRAGMA integrity_check against the database at path.
func Verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("verify: open %s: %w", path, err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("verify: integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("verify: integrity check failed: %s", result)
	}
	return nil
}

// prune removes all but the keep newest snapshots in dir. Snapshot names
// sort chronologically.
func prune(dir string, keep int) error {
	if keep < 1 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("backup: list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var lastErr error
	for _, n := range names[keep:] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("backup: prune: %w", lastErr)
	}
	return nil
}
