package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance limited to one connection so
// transactions and plain reads see the same database.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		db, err := Open(DriverPostgres, dsn, false)
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(1)

		// Clean before AND after to ensure test isolation.
		cleanupPostgresDB(db)
		t.Cleanup(func() {
			cleanupPostgresDB(db)
			_ = sqlDB.Close()
		})
		return db
	}

	db, err := Open(DriverSQLite, ":memory:", false)
	require.NoError(t, err, "open in-memory sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func cleanupPostgresDB(db *gorm.DB) {
	for _, tbl := range []string{"job_records", "pipeline_records"} {
		db.Exec("DELETE FROM " + tbl)
	}
}

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	store := NewGormStore(openTestDB(t))
	require.NoError(t, store.Migrate(context.Background()))
	return store
}
