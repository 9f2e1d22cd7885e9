package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterIdle  = 10 * time.Minute
	limiterSweep = 5 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out token buckets keyed by client IP and scope. Reads share
// one scope; every write seals a ledger block, so writes are scoped to the
// ledger namespace they append to.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates a Limiter and sweeps idle buckets until ctx is done.
func NewLimiter(ctx context.Context) *Limiter {
	l := &Limiter{buckets: make(map[string]*bucket)}
	go func() {
		ticker := time.NewTicker(limiterSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep(time.Now())
			}
		}
	}()
	return l
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdle {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) allow(key string, rps, burst int) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// Reads limits GET and HEAD requests per client.
func (l *Limiter) Reads(rps, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !readOnly(c.Request.Method) {
			c.Next()
			return
		}
		l.enforce(c, c.ClientIP()+"|read", rps, burst)
	}
}

// Writes limits mutating requests per client against one ledger namespace.
func (l *Limiter) Writes(namespace string, rps, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if readOnly(c.Request.Method) {
			c.Next()
			return
		}
		l.enforce(c, c.ClientIP()+"|write/"+namespace, rps, burst)
	}
}

func (l *Limiter) enforce(c *gin.Context, key string, rps, burst int) {
	if !l.allow(key, rps, burst) {
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
		})
		return
	}
	c.Next()
}

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
