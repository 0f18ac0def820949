package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultBurstSize is the default burst size for the rate limiter.
const defaultBurstSize = 5

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserRateLimiter keeps one token bucket per user.
type UserRateLimiter struct {
	limiters map[int64]*userLimiter
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
}

// NewRateLimiter creates a limiter allowing perMinute messages per user with
// the given burst. A burst below 1 uses the default.
func NewRateLimiter(perMinute, burst int) *UserRateLimiter {
	if burst < 1 {
		burst = defaultBurstSize
	}
	return &UserRateLimiter{
		limiters: make(map[int64]*userLimiter),
		limit:    rate.Limit(float64(perMinute) / time.Minute.Seconds()),
		burst:    burst,
	}
}

// Allow consumes a token for the user, returning false if none is available.
func (rl *UserRateLimiter) Allow(userID int64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	ul, exists := rl.limiters[userID]
	if !exists {
		ul = &userLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[userID] = ul
	}
	ul.lastSeen = time.Now()

	return ul.limiter.Allow()
}

// CleanupStale drops limiters for users not seen within maxAge and returns
// how many were removed.
func (rl *UserRateLimiter) CleanupStale(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for userID, ul := range rl.limiters {
		if ul.lastSeen.Before(cutoff) {
			delete(rl.limiters, userID)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked users.
func (rl *UserRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
