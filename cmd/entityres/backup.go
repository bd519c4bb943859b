package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/entityres/internal/config"
	"github.com/scrypster/entityres/internal/offsite"
	"github.com/scrypster/entityres/internal/storage/sqlite"
)

var (
	backupKeep   int
	backupUpload string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the sqlite registry into the backup directory",
	Long: `Write a verified point-in-time copy of the sqlite registry to
ENTITYRES_BACKUP_DIR and prune older snapshots. With --upload (or
ENTITYRES_BACKUP_UPLOAD) the snapshot is also copied to Cloud Storage.
Safe to run while the server is up.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Storage.Engine != config.EngineSQLite {
			return errors.New("backup: only the sqlite engine is supported")
		}
		keep := cfg.Storage.BackupKeep
		if cmd.Flags().Changed("keep") {
			keep = backupKeep
		}
		if keep < 1 {
			return errors.New("backup: --keep must be at least 1")
		}

		path, err := sqlite.Backup(cmd.Context(), filepath.Join(cfg.Storage.DataPath, "entityres.db"), cfg.Storage.BackupDir, keep, time.Now())
		if err != nil {
			return err
		}
		log.WithField("path", path).Info("backup written")
		result := map[string]string{"path": path}

		upload := cfg.Storage.BackupUpload
		if cmd.Flags().Changed("upload") {
			upload = backupUpload
		}
		if upload != "" {
			url, err := uploadSnapshot(cmd.Context(), upload, path)
			if err != nil {
				return err
			}
			result["uploaded"] = url
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), result)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("backup written"), path)
		if url := result["uploaded"]; url != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("uploaded"), url)
		}
		return nil
	},
}

func uploadSnapshot(ctx context.Context, rawTarget, path string) (string, error) {
	target, err := offsite.ParseTarget(rawTarget)
	if err != nil {
		return "", err
	}
	g, err := offsite.NewGCS(ctx, target, cfg.Storage.BackupCredentials, log)
	if err != nil {
		return "", err
	}
	defer g.Close()
	return g.Upload(ctx, path)
}

func init() {
	backupCmd.Flags().IntVar(&backupKeep, "keep", 0, "snapshots to retain (default ENTITYRES_BACKUP_KEEP)")
	backupCmd.Flags().StringVar(&backupUpload, "upload", "", "gs://bucket/prefix to copy the snapshot to")
	rootCmd.AddCommand(backupCmd)
}
