package ledger

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// Service is the read-side facade over the ledger: cache in front,
// singleflight to stop a stampede on a cold key.
type Service struct {
	ledger *Ledger
	cache  Cache
	sf     singleflight.Group
	ttl    time.Duration
}

func NewService(l *Ledger, cache Cache) *Service {
	return &Service{
		ledger: l,
		cache:  cache,
		ttl:    2 * time.Minute,
	}
}

// GetBalance returns the balance snapshot for one account+asset.
func (s *Service) GetBalance(ctx context.Context, account uint64, asset string) (*BalanceSnapshot, error) {
	if s.cache != nil {
		if snap, ok, err := s.cache.GetBalance(ctx, account, asset); err == nil && ok {
			return snap, nil
		}
	}

	key := fmt.Sprintf("%d:%s", account, asset)
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		available, reserved := s.ledger.Balance(account, asset)
		snap := &BalanceSnapshot{
			Account:   account,
			Asset:     asset,
			Available: available,
			Reserved:  reserved,
		}
		if s.cache != nil {
			_ = s.cache.SetBalance(ctx, snap, s.ttl)
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*BalanceSnapshot), nil
}

// Invalidate drops the cached snapshot after a settlement touches the
// account.
func (s *Service) Invalidate(ctx context.Context, account uint64, asset string) {
	if s.cache != nil {
		_ = s.cache.DelBalance(ctx, account, asset)
	}
}
