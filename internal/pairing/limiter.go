package pairing

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFailures is how many unknown pins a client may present before it is throttled.
	DefaultMaxFailures = 5
	// DefaultFailureRecovery is how long a throttled client waits for one more attempt.
	DefaultFailureRecovery = time.Minute
)

// failureLimiter tracks failed pin lookups per client. Each client has a token
// bucket holding maxFailures attempts that refills one attempt per recovery.
type failureLimiter struct {
	limit    rate.Limit
	burst    int
	recovery time.Duration
	now      func() time.Time

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

func newFailureLimiter(maxFailures int, recovery time.Duration, now func() time.Time) *failureLimiter {
	return &failureLimiter{
		limit:    rate.Every(recovery),
		burst:    maxFailures,
		recovery: recovery,
		now:      now,
		clients:  make(map[string]*rate.Limiter),
	}
}

// Blocked reports whether client has no failed attempts left.
func (l *failureLimiter) Blocked(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.clients[client]
	if !ok {
		return false
	}
	return lim.TokensAt(l.now()) < 1
}

// Fail records a failed attempt and reports whether client is now blocked.
func (l *failureLimiter) Fail(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.clients[client]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients[client] = lim
	}

	now := l.now()
	lim.AllowN(now, 1)
	return lim.TokensAt(now) < 1
}

// RetryAfter is the whole number of seconds until a blocked client gets one more attempt.
func (l *failureLimiter) RetryAfter() int {
	return int(math.Ceil(l.recovery.Seconds()))
}

// prune forgets clients whose attempts have fully recovered.
func (l *failureLimiter) prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for client, lim := range l.clients {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.clients, client)
			removed++
		}
	}
	return removed
}
