package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// userLimiter paces dispatch per user so one account flooding the queue
// cannot monopolize every tick. Buckets are created on first use and pruned
// when idle.
type userLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const bucketIdleTTL = 10 * time.Minute

func newUserLimiter(perSecond float64, burst int) *userLimiter {
	return &userLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(perSecond),
		burst:   burst,
	}
}

// Allow reports whether userID may have another task launched now.
func (l *userLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[userID] = b
	}
	b.lastSeen = time.Now()
	return b.lim.Allow()
}

// Prune drops buckets idle longer than the TTL.
func (l *userLimiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-bucketIdleTTL)
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}
