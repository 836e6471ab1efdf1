//go:build integration

package store

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/stretchr/testify/require"
)

func migrationsDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

func TestPostgresStoreIntegration(t *testing.T) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL is not set")
	}

	log := &logger.EmptyLogger{}
	require.NoError(t, RunMigrations(databaseURL, migrationsDir(t), log))
	// a second run is a no-op
	require.NoError(t, RunMigrations(databaseURL, migrationsDir(t), log))

	s, err := NewPostgresStore(context.Background(), databaseURL, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.Exec(`DELETE FROM purchases WHERE job_id LIKE 'job-contract-%'`)
		_ = s.Close()
	})
	_, err = s.db.Exec(`DELETE FROM purchases WHERE job_id LIKE 'job-contract-%'`)
	require.NoError(t, err)

	runStoreContract(t, s)
}
