package offsite

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw     string
		want    Target
		wantErr bool
	}{
		{raw: "gs://snapshots", want: Target{Bucket: "snapshots"}},
		{raw: "gs://snapshots/entityres/prod/", want: Target{Bucket: "snapshots", Prefix: "entityres/prod"}},
		{raw: "s3://snapshots", wantErr: true},
		{raw: "gs:///prefix", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTarget(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTarget_Object(t *testing.T) {
	tg := Target{Bucket: "b", Prefix: "entityres"}
	assert.Equal(t, "entityres/entityres-1.db", tg.Object("/var/lib/entityres/backups/entityres-1.db"))
	assert.Equal(t, "gs://b/entityres", tg.String())
	assert.Equal(t, "snap.db", Target{Bucket: "b"}.Object("snap.db"))
	assert.Equal(t, "gs://b", Target{Bucket: "b"}.String())
}

func TestNewGCS_RequiresBucket(t *testing.T) {
	_, err := NewGCS(context.Background(), Target{}, "", nil)
	assert.Error(t, err)
}

// TestGCS_Emulator runs against fake-gcs-server when STORAGE_EMULATOR_HOST
// is set and the bucket named by GCS_TEST_BUCKET exists.
func TestGCS_Emulator(t *testing.T) {
	bucket := os.Getenv("GCS_TEST_BUCKET")
	if os.Getenv("STORAGE_EMULATOR_HOST") == "" || bucket == "" {
		t.Skip("STORAGE_EMULATOR_HOST or GCS_TEST_BUCKET not set; skipping GCS integration test")
	}
	ctx := context.Background()
	local := filepath.Join(t.TempDir(), "entityres-test.db")
	require.NoError(t, os.WriteFile(local, []byte("snapshot"), 0o600))

	g, err := NewGCS(ctx, Target{Bucket: bucket, Prefix: "it"}, "", nil)
	require.NoError(t, err)
	defer g.Close()

	url, err := g.Upload(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, "gs://"+bucket+"/it/entityres-test.db", url)

	r, err := g.client.Bucket(bucket).Object("it/entityres-test.db").NewReader(ctx)
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "snapshot", string(body))
}
