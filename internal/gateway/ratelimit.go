package gateway

import (
	gosync "sync"
	"time"
)

// WriteRateLimiter bounds document writes per client over a sliding
// window, so one misbehaving device cannot flood every subscriber of
// its session.
type WriteRateLimiter struct {
	mu       gosync.Mutex
	history  map[ClientID][]time.Time
	limit    int
	interval time.Duration
}

func NewWriteRateLimiter(limit int, interval time.Duration) *WriteRateLimiter {
	return &WriteRateLimiter{
		history:  make(map[ClientID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *WriteRateLimiter) Allow(cid ClientID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[cid]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[cid] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[cid] = fresh
	return true
}
