package mysql

import (
	"gorm.io/gorm"

	"github.com/nollyvenon/vidiaspot-sub006/internal/engine"
	"github.com/nollyvenon/vidiaspot-sub006/internal/settle"
	"github.com/nollyvenon/vidiaspot-sub006/internal/settle/repo/model"
)

type tradesRepo struct {
	db *gorm.DB
}

func NewTradesRepo(db *gorm.DB) settle.ExecStore {
	return &tradesRepo{db: db}
}

func (r *tradesRepo) Append(e engine.Execution) error {
	row := model.TradeRow{
		TradeID:      e.TradeID.String(),
		Symbol:       e.Symbol,
		TakerOrderID: e.TakerOrderID,
		MakerOrderID: e.MakerOrderID,
		TakerAccount: e.TakerAccount,
		MakerAccount: e.MakerAccount,
		TakerSide:    e.TakerSide,
		Price:        e.Price,
		Qty:          e.Qty,
		TakerFee:     e.TakerFee,
		MakerFee:     e.MakerFee,
		CreatedAt:    e.CreatedAt,
	}
	return r.db.Create(&row).Error
}

// ListBySymbol returns recent trades for a symbol, newest first.
func (r *tradesRepo) ListBySymbol(symbol string, limit int) ([]model.TradeRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.TradeRow
	err := r.db.Where("symbol = ?", symbol).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
