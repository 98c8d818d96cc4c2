package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/operatorkit/backend/internal/models"
)

// CreateSettlementTables creates the affiliate, ledger, unlock code and user tables.
// The unique indexes on commission_entries.event_id and unlock_codes.code are what
// make webhook redelivery safe.
func CreateSettlementTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_settlement_tables",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.AffiliateAccount{},
				&models.CommissionEntry{},
				&models.UnlockCode{},
				&models.User{},
			)
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&models.User{},
				&models.UnlockCode{},
				&models.CommissionEntry{},
				&models.AffiliateAccount{},
			)
		},
	}
}
