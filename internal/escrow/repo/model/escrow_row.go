package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type EscrowRow struct {
	ID            string          `gorm:"column:id;type:char(36);primaryKey"`
	TradeRef      string          `gorm:"column:trade_ref;type:varchar(64);index"`
	Buyer         uint64          `gorm:"column:buyer;index"`
	Seller        uint64          `gorm:"column:seller;index"`
	Asset         string          `gorm:"column:asset;type:varchar(16)"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(36,18)"`
	State         string          `gorm:"column:state;type:varchar(20);index"`
	Resolution    string          `gorm:"column:resolution;type:varchar(16)"`
	DisputeBy     uint64          `gorm:"column:dispute_by"`
	DisputeReason string          `gorm:"column:dispute_reason;type:varchar(255)"`
	DisputeState  string          `gorm:"column:dispute_state;type:varchar(16)"`
	Resolver      uint64          `gorm:"column:resolver"`
	Rationale     string          `gorm:"column:rationale;type:varchar(255)"`
	BuyerShare    decimal.Decimal `gorm:"column:buyer_share;type:decimal(5,4)"`
	DisputedAt    *time.Time      `gorm:"column:disputed_at"`
	ResolvedAt    *time.Time      `gorm:"column:resolved_at"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
	FundedAt      *time.Time      `gorm:"column:funded_at"`
	Deadline      *time.Time      `gorm:"column:deadline;index"`
	ClosedAt      *time.Time      `gorm:"column:closed_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at"`
}

func (EscrowRow) TableName() string { return "escrows" }
