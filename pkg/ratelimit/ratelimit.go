package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nollyvenon/vidiaspot-sub006/pkg/safe"
)

// Store keeps one token bucket per key (typically ip:route). Idle
// entries are evicted by the janitor so the map does not grow with every
// client ever seen.
type Store struct {
	mu      sync.Mutex
	buckets map[string]*entry

	limit rate.Limit
	burst int
	ttl   time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewStore(limit rate.Limit, burst int, ttl time.Duration) *Store {
	return &Store{
		buckets: make(map[string]*entry, 1024),
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
	}
}

func (s *Store) Allow(key string) bool {
	now := time.Now()
	s.mu.Lock()
	e := s.buckets[key]
	if e == nil {
		e = &entry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[key] = e
	}
	e.lastSeen = now
	s.mu.Unlock()
	return e.limiter.Allow()
}

// StartJanitor evicts buckets idle longer than the TTL. Runs until ctx
// is cancelled.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	safe.GoCtx(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.mu.Lock()
				for key, e := range s.buckets {
					if now.Sub(e.lastSeen) > s.ttl {
						delete(s.buckets, key)
					}
				}
				s.mu.Unlock()
			}
		}
	})
}
