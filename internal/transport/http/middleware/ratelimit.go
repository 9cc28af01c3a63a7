package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/cloudlearn/corelms/internal/config"
)

// ipLimiter replaces the teacher's hand-rolled token bucket
// (internal/middleware/ratelimit.go's bucket/RateLimiter types) with
// golang.org/x/time/rate, keyed per client IP the same way the teacher
// keys its buckets map.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newIPLimiter(rps int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    rps * 2,
	}
}

func (l *ipLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// purgeOld drops limiters untouched long enough to matter, mirroring the
// teacher's CleanupOldBuckets but driven off rate.Limiter's own last-event
// bookkeeping instead of a bespoke lastFill field.
func (l *ipLimiter) purgeOld(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, lim := range l.limiters {
		if lim.TokensAt(cutoff) >= float64(l.burst) {
			delete(l.limiters, key)
		}
	}
}

// RateLimit rate-limits requests per client IP using a token bucket sized
// from RATE_LIMIT_RPS, started once per process the way the teacher's
// globalLimiter was lazily created on first use.
func RateLimit(cfg *config.CoreConfig) gin.HandlerFunc {
	limiter := newIPLimiter(cfg.RateLimitRPS)

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			limiter.purgeOld(time.Now().Add(-time.Hour))
		}
	}()

	return func(c *gin.Context) {
		if !limiter.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "TooFrequent", "message": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
