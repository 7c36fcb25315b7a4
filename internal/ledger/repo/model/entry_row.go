package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryRow is the persisted form of one ledger entry. The table is
// append-only: no updates, no deletes, retained indefinitely for audit.
type EntryRow struct {
	ID        string          `gorm:"column:id;type:char(36);primaryKey"`
	Account   uint64          `gorm:"column:account;index:idx_account_asset"`
	Asset     string          `gorm:"column:asset;type:varchar(16);index:idx_account_asset"`
	Type      string          `gorm:"column:type;type:varchar(20);not null"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null"`
	Ref       string          `gorm:"column:ref;type:varchar(64);index"`
	CreatedAt time.Time       `gorm:"column:created_at;index"`
}

func (EntryRow) TableName() string { return "ledger_entries" }
