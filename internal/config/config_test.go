package config_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/entityres/internal/config"
	"github.com/scrypster/entityres/pkg/types"
)

func TestLoadConfig_Defaults(t *testing.T) {
	_ = os.Unsetenv("ENTITYRES_HOST")
	_ = os.Unsetenv("ENTITYRES_STORAGE_ENGINE")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "default host must be loopback")
	assert.Equal(t, 7474, cfg.Server.Port)
	assert.Equal(t, config.EngineSQLite, cfg.Storage.Engine)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.TTL)
	assert.Equal(t, time.Hour, cfg.Sessions.Retention)
	assert.Equal(t, 5*time.Minute, cfg.ReindexInterval)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.PubSub.Enabled())
	assert.Equal(t, "127.0.0.1:7474", cfg.Server.Addr())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ENTITYRES_PORT", "9000")
	t.Setenv("ENTITYRES_STORAGE_ENGINE", "KV")
	t.Setenv("ENTITYRES_SESSION_TTL", "90s")
	t.Setenv("ENTITYRES_STORAGE_BREAKER", "no")
	t.Setenv("ENTITYRES_RATE_LIMIT_RPS", "2.5")
	t.Setenv("ENTITYRES_ALLOWED_ORIGINS", "app.example.com, ,*.example.org")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, config.EngineKV, cfg.Storage.Engine)
	assert.Equal(t, 90*time.Second, cfg.Sessions.TTL)
	assert.False(t, cfg.Storage.BreakerEnabled)
	assert.InDelta(t, 2.5, cfg.Server.RateLimitRPS, 1e-9)
	assert.Equal(t, []string{"app.example.com", "*.example.org"}, cfg.Server.AllowedOrigins)
}

func TestLoadConfig_DerivedPaths(t *testing.T) {
	t.Setenv("ENTITYRES_DATA_PATH", "/srv/entityres")
	t.Setenv("ENTITYRES_BACKUP_DIR", "")
	t.Setenv("ENTITYRES_EVENT_SPOOL", "")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/entityres", "backups"), cfg.Storage.BackupDir)
	assert.Equal(t, filepath.Join("/srv/entityres", "events"), cfg.EventSpool)
	assert.Equal(t, 7, cfg.Storage.BackupKeep)

	t.Setenv("ENTITYRES_EVENT_SPOOL", "OFF")
	cfg, err = config.LoadConfig("")
	require.NoError(t, err)
	assert.Empty(t, cfg.EventSpool)
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("ENTITYRES_PORT", "not-a-number")
	t.Setenv("ENTITYRES_SESSION_TTL", "soon")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7474, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.TTL)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	_ = os.Unsetenv("ENTITYRES_REDIS_ADDR")
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("ENTITYRES_REDIS_ADDR=localhost:6379\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("ENTITYRES_REDIS_ADDR") })

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled())
}

func TestLoadConfig_MissingDotEnvIsFine(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoadConfig_Validation(t *testing.T) {
	t.Run("postgres needs dsn", func(t *testing.T) {
		t.Setenv("ENTITYRES_STORAGE_ENGINE", "postgres")
		t.Setenv("ENTITYRES_POSTGRES_DSN", "")
		_, err := config.LoadConfig("")
		assert.Error(t, err)
	})
	t.Run("mysql needs dsn", func(t *testing.T) {
		t.Setenv("ENTITYRES_STORAGE_ENGINE", "mysql")
		t.Setenv("ENTITYRES_MYSQL_DSN", "")
		_, err := config.LoadConfig("")
		assert.Error(t, err)
	})
	t.Run("unknown engine", func(t *testing.T) {
		t.Setenv("ENTITYRES_STORAGE_ENGINE", "mongo")
		_, err := config.LoadConfig("")
		assert.Error(t, err)
	})
	t.Run("cors origin needs scheme", func(t *testing.T) {
		t.Setenv("ENTITYRES_CORS_ORIGINS", "app.example.com")
		_, err := config.LoadConfig("")
		assert.Error(t, err)
	})
	t.Run("backup upload must be gcs", func(t *testing.T) {
		t.Setenv("ENTITYRES_BACKUP_UPLOAD", "s3://bucket")
		_, err := config.LoadConfig("")
		assert.Error(t, err)
	})
	t.Run("negative reindex interval", func(t *testing.T) {
		t.Setenv("ENTITYRES_REINDEX_INTERVAL", "-1m")
		_, err := config.LoadConfig("")
		assert.Error(t, err)
	})
	t.Run("backup keep", func(t *testing.T) {
		t.Setenv("ENTITYRES_BACKUP_KEEP", "0")
		_, err := config.LoadConfig("")
		assert.Error(t, err)
	})
	t.Run("redis sessions need redis", func(t *testing.T) {
		t.Setenv("ENTITYRES_SESSION_BACKEND", "redis")
		t.Setenv("ENTITYRES_REDIS_ADDR", "")
		_, err := config.LoadConfig("")
		assert.Error(t, err)
	})
}

func TestDefaultTuning(t *testing.T) {
	tun := config.DefaultTuning()
	require.NoError(t, tun.Validate())
	assert.Equal(t, 0.90, tun.AutoResolveThreshold)
	assert.Equal(t, 0.85, tun.TypeThreshold(types.EntityTypePerson))
	assert.Equal(t, 0.75, tun.TypeThreshold(types.EntityTypeCompany))
	assert.Equal(t, 0.70, tun.TypeThreshold(types.EntityTypeProperty))
	assert.Equal(t, 0.80, tun.TypeThreshold(types.EntityTypeCustomer))
	assert.Equal(t, 5, tun.TopK)
	assert.Equal(t, 3, tun.Feedback.MaxMutationAttempts)
}

func TestLoadTuning_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auto_resolve_threshold: 0.92
type_thresholds:
  person: 0.88
feedback:
  confidence_floor: 0.2
`), 0o600))

	tun, err := config.LoadTuning(path)
	require.NoError(t, err)
	assert.Equal(t, 0.92, tun.AutoResolveThreshold)
	assert.Equal(t, 0.88, tun.TypeThreshold(types.EntityTypePerson))
	assert.Equal(t, 0.75, tun.TypeThreshold(types.EntityTypeCompany), "unlisted types keep defaults")
	assert.Equal(t, 0.2, tun.Feedback.ConfidenceFloor)
	assert.Equal(t, 0.02, tun.Feedback.ConfirmDelta)
}

func TestLoadTuning_Rejects(t *testing.T) {
	cases := map[string]string{
		"threshold above auto": "type_thresholds:\n  company: 0.95\n",
		"unknown type":         "type_thresholds:\n  planet: 0.5\n",
		"zero top k":           "top_k: 0\n",
		"out of range":         "aux_boost: 1.5\n",
		"bad yaml":             "auto_resolve_threshold: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tuning.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := config.LoadTuning(path)
			assert.Error(t, err)
		})
	}
}

func TestTuningSource_StoreValidates(t *testing.T) {
	src := config.NewTuningSource(nil)
	bad := config.DefaultTuning()
	bad.TopK = 0
	assert.Error(t, src.Store(bad))
	assert.Equal(t, 5, src.Load().TopK)

	good := config.DefaultTuning()
	good.TopK = 3
	require.NoError(t, src.Store(good))
	assert.Equal(t, 3, src.Load().TopK)
}

func TestTuningWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("top_k: 4\n"), 0o600))

	src := config.NewTuningSource(nil)
	reloaded := make(chan *config.Tuning, 4)
	w := config.NewTuningWatcher(path, src, logrus.New(), func(t *config.Tuning) { reloaded <- t })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("top_k: 7\n"), 0o600))

	select {
	case got := <-reloaded:
		assert.Equal(t, 7, got.TopK)
		assert.Equal(t, 7, src.Load().TopK)
	case <-time.After(3 * time.Second):
		t.Fatal("tuning was not reloaded")
	}

	// An invalid file is ignored.
	require.NoError(t, os.WriteFile(path, []byte("top_k: 0\n"), 0o600))
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 7, src.Load().TopK)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := config.NewLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	log.Info("hidden")
	log.WithField("component", "test").Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"component":"test"`)

	fallback := config.NewLogger(config.LoggingConfig{Level: "loud"}, &buf)
	assert.Equal(t, logrus.InfoLevel, fallback.GetLevel())
}
