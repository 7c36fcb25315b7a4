package mysql

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nollyvenon/vidiaspot-sub006/internal/escrow"
	"github.com/nollyvenon/vidiaspot-sub006/internal/escrow/repo/model"
)

type escrowsRepo struct {
	db *gorm.DB
}

func NewEscrowsRepo(db *gorm.DB) escrow.Store {
	return &escrowsRepo{db: db}
}

func (r *escrowsRepo) Save(e *escrow.Escrow) error {
	row := model.EscrowRow{
		ID:         e.ID.String(),
		TradeRef:   e.TradeRef,
		Buyer:      e.Buyer,
		Seller:     e.Seller,
		Asset:      e.Asset,
		Amount:     e.Amount,
		State:      string(e.State),
		Resolution: string(e.Resolution),
		CreatedAt:  e.CreatedAt,
		FundedAt:   nilIfZero(e.FundedAt),
		Deadline:   nilIfZero(e.Deadline),
		ClosedAt:   nilIfZero(e.ClosedAt),
		UpdatedAt:  e.UpdatedAt,
	}
	if d := e.Dispute; d != nil {
		row.DisputeBy = d.OpenedBy
		row.DisputeReason = d.Reason
		row.DisputeState = string(d.State)
		row.Resolver = d.Resolver
		row.Rationale = d.Rationale
		row.BuyerShare = d.BuyerShare
		row.DisputedAt = nilIfZero(d.OpenedAt)
		row.ResolvedAt = nilIfZero(d.ResolvedAt)
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func nilIfZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
