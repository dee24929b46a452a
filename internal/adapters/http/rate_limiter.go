package http

import (
	"sync"
	"time"

	"github.com/dkeye/Classroom/internal/domain"
)

// SendRateLimiter allows each identity at most limit chat sends per interval.
type SendRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration

	Clock func() time.Time
}

func NewSendRateLimiter(limit int, interval time.Duration) *SendRateLimiter {
	return &SendRateLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
		Clock:    time.Now,
	}
}

// Allow records an attempt by uid and reports whether it is within the limit.
// A non-positive limit disables limiting.
func (rl *SendRateLimiter) Allow(uid domain.UserID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.Clock()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}
	rl.history[uid] = append(fresh, now)
	return true
}

// Forget drops identities with no attempt inside the window.
func (rl *SendRateLimiter) Forget() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	windowStart := rl.Clock().Add(-rl.interval)
	n := 0
	for uid, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, uid)
			n++
		}
	}
	return n
}
