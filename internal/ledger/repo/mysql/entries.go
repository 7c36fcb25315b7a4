package mysql

import (
	"gorm.io/gorm"

	"github.com/nollyvenon/vidiaspot-sub006/internal/ledger"
	"github.com/nollyvenon/vidiaspot-sub006/internal/ledger/repo/model"
)

type entriesRepo struct {
	db *gorm.DB
}

// NewEntriesRepo returns an append-only EntryStore backed by MySQL.
func NewEntriesRepo(db *gorm.DB) ledger.EntryStore {
	return &entriesRepo{db: db}
}

func (r *entriesRepo) Append(entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]model.EntryRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, model.EntryRow{
			ID:        e.ID.String(),
			Account:   e.Account,
			Asset:     e.Asset,
			Type:      e.Type,
			Amount:    e.Amount,
			Ref:       e.Ref,
			CreatedAt: e.CreatedAt,
		})
	}
	return r.db.Create(&rows).Error
}

// ListByAccount reads an account's entry history, oldest first. Used by
// reconciliation, not by the hot path.
func (r *entriesRepo) ListByAccount(account uint64, asset string, limit int) ([]model.EntryRow, error) {
	if account == 0 {
		return []model.EntryRow{}, nil
	}
	q := r.db.Model(&model.EntryRow{}).Where("account = ?", account)
	if asset != "" {
		q = q.Where("asset = ?", asset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.EntryRow
	if err := q.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
