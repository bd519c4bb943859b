// Package offsite copies registry snapshots to Google Cloud Storage.
package offsite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Target is a parsed gs://bucket/prefix location.
type Target struct {
	Bucket string
	Prefix string
}

// ParseTarget parses a gs:// URL. The prefix may be empty.
func ParseTarget(raw string) (Target, error) {
	rest, ok := strings.CutPrefix(raw, "gs://")
	if !ok {
		return Target{}, fmt.Errorf("offsite: %q is not a gs:// URL", raw)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Target{}, fmt.Errorf("offsite: %q has no bucket", raw)
	}
	return Target{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// Object returns the object name for a local file.
func (t Target) Object(localPath string) string {
	return path.Join(t.Prefix, filepath.Base(localPath))
}

func (t Target) String() string {
	if t.Prefix == "" {
		return "gs://" + t.Bucket
	}
	return "gs://" + t.Bucket + "/" + t.Prefix
}

// GCS uploads files into one bucket prefix.
type GCS struct {
	client *storage.Client
	target Target
	log    logrus.FieldLogger
}

// NewGCS creates a client for target. Credentials come from
// credentialsFile when set and Application Default Credentials otherwise.
// STORAGE_EMULATOR_HOST is honoured by the client library.
func NewGCS(ctx context.Context, target Target, credentialsFile string, log logrus.FieldLogger) (*GCS, error) {
	if target.Bucket == "" {
		return nil, errors.New("offsite: bucket is required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("offsite: create client: %w", err)
	}
	return &GCS{client: client, target: target, log: log.WithField("component", "offsite")}, nil
}

// Upload copies the file at localPath and returns its gs:// URL.
func (g *GCS) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("offsite: open %s: %w", localPath, err)
	}
	defer f.Close()

	name := g.target.Object(localPath)
	w := g.client.Bucket(g.target.Bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/vnd.sqlite3"
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("offsite: upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("offsite: upload %s: %w", name, err)
	}

	url := "gs://" + g.target.Bucket + "/" + name
	g.log.WithField("object", url).Info("snapshot uploaded")
	return url, nil
}

// Close releases the client.
func (g *GCS) Close() error {
	return g.client.Close()
}
