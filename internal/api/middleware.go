package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"apex-engine/internal/monitor"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ipThrottle hands out one token bucket per client IP. State lives inside
// the middleware closure, never at package scope; the map is bounded by
// dropping everything once it grows past maxTrackedIPs (cheaper than a
// background sweeper and indistinguishable in effect for a dashboard-scale
// client population).
type ipThrottle struct {
	mu            sync.Mutex
	buckets       map[string]*rate.Limiter
	perSecond     rate.Limit
	burst         int
	maxTrackedIPs int
}

func newIPThrottle(perSecond rate.Limit, burst int) *ipThrottle {
	return &ipThrottle{
		buckets:       make(map[string]*rate.Limiter),
		perSecond:     perSecond,
		burst:         burst,
		maxTrackedIPs: 10_000,
	}
}

func (t *ipThrottle) allow(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buckets) > t.maxTrackedIPs {
		t.buckets = make(map[string]*rate.Limiter)
	}
	b, ok := t.buckets[ip]
	if !ok {
		b = rate.NewLimiter(t.perSecond, t.burst)
		t.buckets[ip] = b
	}
	return b.Allow()
}

// RateLimitMiddleware rejects clients exceeding 20 req/s (burst 50) per IP.
func RateLimitMiddleware() gin.HandlerFunc {
	throttle := newIPThrottle(rate.Limit(20), 50)
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !throttle.allow(ip) {
			log.Printf("⚠️ api: rate limit exceeded for %s", ip)
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// CORSMiddleware answers preflight requests and opens the read-only API to
// the dashboard origin.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin, X-Requested-With")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware tags every request with an ID, honoring one the
// client already sent so a dashboard can correlate its own traces.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("RequestID", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// TimeoutMiddleware bounds request handling; a handler that overruns gets
// a 408 and its context canceled.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			c.Next()
			close(done)
		}()

		select {
		case <-done:
		case p := <-panicked:
			log.Printf("🛑 api: handler panic: %v", p)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			c.Abort()
		case <-ctx.Done():
			log.Printf("⚠️ api: timeout on %s %s", c.Request.Method, c.Request.URL.Path)
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "request timeout"})
			c.Abort()
		}
	}
}

// RequestLogger records latency/status into SystemMetrics and the process
// log.
func RequestLogger(metrics *monitor.SystemMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		if metrics != nil {
			metrics.IncrementAPI()
			metrics.APILatency.RecordDuration(latency)
			if status >= 400 {
				metrics.IncrementAPIErrors()
			}
		}
		log.Printf("api %s %s | %d | %v | %s",
			c.Request.Method, c.Request.URL.Path, status, latency, c.ClientIP())
	}
}
