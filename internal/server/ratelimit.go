package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const limiterIdleExpiry = 10 * time.Minute

// identityLimiter keeps one token bucket per caller. Idle buckets expire
// so the set does not grow with every identity ever seen.
type identityLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *gocache.Cache
}

// newIdentityLimiter returns nil when limit is not positive, which
// disables limiting.
func newIdentityLimiter(limit float64, burst int) *identityLimiter {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &identityLimiter{
		limit:    rate.Limit(limit),
		burst:    burst,
		limiters: gocache.New(limiterIdleExpiry, 2*limiterIdleExpiry),
	}
}

func (l *identityLimiter) Allow(identity string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	var limiter *rate.Limiter
	if obj, found := l.limiters.Get(identity); found {
		limiter = obj.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(l.limit, l.burst)
	}
	// Refresh expiry on every use.
	l.limiters.SetDefault(identity, limiter)
	l.mu.Unlock()

	return limiter.Allow()
}

// LimitReads throttles content reads per caller identity.
func (s *Server) LimitReads(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.readLimiter.Allow(identity(c)) {
			log.WithFields(log.Fields{
				"record_id": c.Param("id"),
				"actor":     identity(c),
			}).Warn("Read rate limit exceeded")
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
		}
		return next(c)
	}
}
