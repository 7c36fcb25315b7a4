package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRow is one settled execution. Append-only audit table.
type TradeRow struct {
	TradeID      string          `gorm:"column:trade_id;type:char(36);primaryKey"`
	Symbol       string          `gorm:"column:symbol;type:varchar(32);index:idx_symbol_ts"`
	TakerOrderID uint64          `gorm:"column:taker_order_id;index"`
	MakerOrderID uint64          `gorm:"column:maker_order_id;index"`
	TakerAccount uint64          `gorm:"column:taker_account"`
	MakerAccount uint64          `gorm:"column:maker_account"`
	TakerSide    uint8           `gorm:"column:taker_side"`
	Price        decimal.Decimal `gorm:"column:price;type:decimal(36,18)"`
	Qty          decimal.Decimal `gorm:"column:qty;type:decimal(36,18)"`
	TakerFee     decimal.Decimal `gorm:"column:taker_fee;type:decimal(36,18)"`
	MakerFee     decimal.Decimal `gorm:"column:maker_fee;type:decimal(36,18)"`
	CreatedAt    time.Time       `gorm:"column:created_at;index:idx_symbol_ts"`
}

func (TradeRow) TableName() string { return "trades" }
