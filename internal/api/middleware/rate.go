package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines a requests-per-window limit per client IP.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// AuthRateLimit returns the limit applied to credential endpoints.
func AuthRateLimit() RateLimitConfig {
	return RateLimitConfig{Requests: 10, Window: 15 * time.Minute}
}

// DataRateLimit returns the limit applied to session data endpoints.
func DataRateLimit() RateLimitConfig {
	return RateLimitConfig{Requests: 100, Window: 15 * time.Minute}
}

// RateLimit creates a per-IP rate limiting middleware. The token bucket
// refills evenly across the window with a burst of the full allowance.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	var (
		mu      sync.Mutex
		clients = make(map[string]*rate.Limiter)
	)

	limit := rate.Every(cfg.Window / time.Duration(cfg.Requests))

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		limiter, exists := clients[ip]
		if !exists {
			limiter = rate.NewLimiter(limit, cfg.Requests)
			clients[ip] = limiter
		}
		mu.Unlock()

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": "too many requests, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
