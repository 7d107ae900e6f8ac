package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/agentcom/agentcom/internal/common/errors"
	"github.com/agentcom/agentcom/internal/ratelimit"
)

// floodGuard parameters for the whole admin surface. Per-caller budgets
// are enforced separately by the shared limiter.
const (
	floodRatePerSec = 50
	floodBurst      = 100
)

// FloodGuard rejects requests once the global admin rate is exceeded,
// regardless of caller.
func FloodGuard() gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(floodRatePerSec), floodBurst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			appErr := errors.ServiceUnavailable("admin api")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Next()
	}
}

// callerID identifies the requester for per-caller budgets. Operators
// that do not identify themselves share one bucket.
func callerID(c *gin.Context) string {
	if id := c.GetHeader("X-Caller-ID"); id != "" {
		return id
	}
	return "admin"
}

// CallerLimit enforces the shared per-caller token buckets on the HTTP
// channel. Reads are light, writes are normal.
func CallerLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		tier := ratelimit.TierNormal
		if c.Request.Method == http.MethodGet {
			tier = ratelimit.TierLight
		}

		decision := limiter.Check(callerID(c), ratelimit.ChannelHTTP, tier, 1)
		if !decision.Allow {
			c.Header("Retry-After", strconv.FormatInt((decision.RetryAfterMs+999)/1000, 10))
			appErr := errors.RateLimited(decision.RetryAfterMs)
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Next()
	}
}
