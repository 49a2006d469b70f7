package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates the tables owned by this service. Everything else lives in the row-store.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&EventLedgerRecord{},
		&SequenceCounter{},
	)
}
