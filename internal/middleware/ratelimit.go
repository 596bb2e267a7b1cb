package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimitPerSec = 20
	rateLimitBurst  = 40
	limiterIdle     = 10 * time.Minute
)

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

type ipLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	r        rate.Limit
	burst    int
}

func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{visitors: make(map[string]*visitor), r: r, burst: burst}
}

func (l *ipLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	v, ok := l.visitors[key]
	if !ok {
		// заодно чистим давно неактивных
		for k, old := range l.visitors {
			if now.Sub(old.seen) > limiterIdle {
				delete(l.visitors, k)
			}
		}
		v = &visitor{lim: rate.NewLimiter(l.r, l.burst)}
		l.visitors[key] = v
	}
	v.seen = now
	return v.lim.Allow()
}

var apiRateByIP = newIPLimiter(rateLimitPerSec, rateLimitBurst)

// RateLimitAPI ограничивает запросы к локальному API по IP. 429 при превышении.
func RateLimitAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !apiRateByIP.allow(clientIP(r)) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
