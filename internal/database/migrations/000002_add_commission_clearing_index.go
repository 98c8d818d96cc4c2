package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// AddCommissionClearingIndex backs the clearing sweep query (status = pending AND eligible_at <= now)
func AddCommissionClearingIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_commission_clearing_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_commission_entries_clearing
				ON commission_entries (status, eligible_at)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_commission_entries_clearing`).Error
		},
	}
}
