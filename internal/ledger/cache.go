package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// BalanceSnapshot is the cached read model served to the query API.
type BalanceSnapshot struct {
	Account   uint64          `json:"account"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

type Cache interface {
	GetBalance(ctx context.Context, account uint64, asset string) (*BalanceSnapshot, bool, error)
	SetBalance(ctx context.Context, snap *BalanceSnapshot, ttl time.Duration) error
	DelBalance(ctx context.Context, account uint64, asset string) error
}

type redisCache struct {
	client *redis.Client
}

func NewRedisCache(c *redis.Client) Cache {
	return &redisCache{client: c}
}

func (r *redisCache) GetBalance(ctx context.Context, account uint64, asset string) (*BalanceSnapshot, bool, error) {
	key := balanceCacheKey(account, asset)

	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	snap := &BalanceSnapshot{}
	if err := json.Unmarshal(b, snap); err != nil {
		// Poisoned entry: drop it so we stop serving garbage.
		_ = r.client.Del(ctx, key).Err()
		return nil, false, err
	}
	return snap, true, nil
}

func (r *redisCache) SetBalance(ctx context.Context, snap *BalanceSnapshot, ttl time.Duration) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	// Jitter spreads expiry so a burst of writes does not expire at once.
	return r.client.Set(ctx, balanceCacheKey(snap.Account, snap.Asset), b, withJitter(ttl, 300*time.Millisecond)).Err()
}

func (r *redisCache) DelBalance(ctx context.Context, account uint64, asset string) error {
	return r.client.Del(ctx, balanceCacheKey(account, asset)).Err()
}

func balanceCacheKey(account uint64, asset string) string {
	if asset == "" {
		asset = "ALL"
	}
	return fmt.Sprintf("ledger:bal:%d:%s", account, asset)
}

func withJitter(ttl time.Duration, jitter time.Duration) time.Duration {
	if ttl <= 0 || jitter <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(int64(jitter)))
}
