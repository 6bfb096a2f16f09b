package indexer

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRow is one committed ledger event as stored by the indexer.
type EventRow struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence    uint64    `gorm:"uniqueIndex;not null"`
	Type        string    `gorm:"size:64;index"`
	Participant string    `gorm:"size:96;index"`
	Amount      string    `gorm:"size:32"`
	Attributes  string    `gorm:"type:text"`
	IndexedAt   time.Time
}

// TableName pins the table name independent of the struct name.
func (EventRow) TableName() string { return "ledger_events" }

// AutoMigrate performs all schema migrations for the indexer.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRow{})
}
