// Package testutil provides database fixtures shared by package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/operatorkit/backend/internal/database/migrations"
	"github.com/operatorkit/backend/internal/repository"
)

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewSQLiteDB opens a migrated SQLite database in a temporary directory
func NewSQLiteDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "settlement.db") + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// SQLite allows one writer; a single connection keeps transactions serialized
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migrations.RunMigrations(db, zap.NewNop()))
	return db
}

// NewPostgresDB opens TEST_DATABASE_URL, migrates it and truncates the tables
// after the test. It skips the test when the variable is unset.
func NewPostgresDB(t testing.TB) *gorm.DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := gorm.Open(postgres.Open(url), gormConfig())
	require.NoError(t, err)
	require.NoError(t, migrations.RunMigrations(db, zap.NewNop()))

	truncate := func() {
		db.Exec("TRUNCATE commission_entries, unlock_codes, users, affiliate_accounts")
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// ForEachBackend runs fn as a subtest against a fresh store per back end:
// memory, SQLite and, when TEST_DATABASE_URL is set, Postgres.
func ForEachBackend(t *testing.T, fn func(t *testing.T, store repository.Store)) {
	t.Helper()

	names := []string{"memory", "sqlite"}
	if os.Getenv("TEST_DATABASE_URL") != "" {
		names = append(names, "postgres")
	}
	for _, name := range names {
		name := name
		t.Run(name, func(t *testing.T) {
			var store repository.Store
			switch name {
			case "memory":
				store = repository.NewMemoryStore()
			case "sqlite":
				store = repository.NewGormStore(NewSQLiteDB(t))
			case "postgres":
				store = repository.NewGormStore(NewPostgresDB(t))
			}
			fn(t, store)
		})
	}
}
