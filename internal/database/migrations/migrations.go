package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// migrationsList holds all migrations in the order they run
var migrationsList = []*gormigrate.Migration{
	CreateSettlementTables(),
	AddCommissionClearingIndex(),
}

// RunMigrations runs all database migrations
func RunMigrations(db *gorm.DB, log *zap.Logger) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, migrationsList)

	if err := m.Migrate(); err != nil {
		log.Error("could not migrate", zap.Error(err))
		return err
	}
	log.Info("migrations ran successfully", zap.Int("count", len(migrationsList)))
	return nil
}
