package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter holds a token-bucket limiter per client IP. Idle limiters are
// dropped after an hour so the map stays bounded.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rps      rate.Limit
	burst    int
	lastSeen time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perSecond, burst int) *ipLimiter {
	if perSecond <= 0 {
		perSecond = 50
	}
	if burst <= 0 {
		burst = perSecond * 2
	}
	return &ipLimiter{
		limiters: make(map[string]*clientLimiter),
		rps:      rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	c, ok := l.limiters[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = c
	}
	c.lastSeen = now

	// Opportunistic cleanup, at most once a minute.
	if now.Sub(l.lastSeen) > time.Minute {
		l.lastSeen = now
		for k, v := range l.limiters {
			if now.Sub(v.lastSeen) > time.Hour {
				delete(l.limiters, k)
			}
		}
	}

	return c.limiter.Allow()
}
