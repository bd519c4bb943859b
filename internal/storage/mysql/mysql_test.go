package mysql

import (
	"context"
	"os"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/internal/storage/sqlstore"
	"github.com/scrypster/entityres/internal/storage/storagetest"
)

// mysqlTestDSN returns the DSN for the test database.
// If MYSQL_TEST_DSN is not set, tests are skipped.
func mysqlTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set; skipping MySQL integration tests")
	}
	return dsn
}

func TestStoreConformance(t *testing.T) {
	dsn := mysqlTestDSN(t)
	storagetest.Run(t, func(t *testing.T) storage.Store {
		ctx := context.Background()
		s, err := Open(ctx, dsn, sqlstore.DefaultPoolConfig(), nil)
		require.NoError(t, err)
		require.NoError(t, TruncateForTest(ctx, s.DB()))
		return s
	})
}

func TestDialect(t *testing.T) {
	assert.Equal(t, "?", Dialect.Placeholder(3))
	assert.True(t, Dialect.IsUniqueViolation(&mysql.MySQLError{Number: 1062}))
	assert.False(t, Dialect.IsUniqueViolation(&mysql.MySQLError{Number: 1213}))
	assert.False(t, Dialect.IsUniqueViolation(assert.AnError))
}

func TestNormalizeDSN(t *testing.T) {
	got, err := normalizeDSN("app:secret@tcp(db:3306)/entityres?parseTime=false")
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(got)
	require.NoError(t, err)
	assert.True(t, cfg.MultiStatements)
	assert.True(t, cfg.ParseTime)
	assert.True(t, cfg.ClientFoundRows)
	assert.Equal(t, "entityres", cfg.DBName)
	assert.Equal(t, "db:3306", cfg.Addr)

	_, err = normalizeDSN("not a dsn")
	assert.Error(t, err)
}
