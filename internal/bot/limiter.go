package bot

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per user.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*userLimiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond events per user with the given burst. A
// non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limiters: make(map[int64]*userLimiter),
		limit:    limit,
		burst:    max(1, burst),
		now:      time.Now,
	}
}

func (r *RateLimiter) Allow(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ul, ok := r.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[userID] = ul
	}
	ul.lastSeen = now
	return ul.limiter.AllowN(now, 1)
}

// Cleanup drops buckets idle for longer than idle and returns how many went.
func (r *RateLimiter) Cleanup(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, ul := range r.limiters {
		if now.Sub(ul.lastSeen) > idle {
			delete(r.limiters, id)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx ends.
func (r *RateLimiter) Run(ctx context.Context, every, idle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup(idle)
		}
	}
}
