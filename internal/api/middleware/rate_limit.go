package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/coachloop/internal/ratelimit"
	"github.com/yoockh/coachloop/internal/utils"
)

// RateLimit throttles callers by client IP.
func RateLimit(l *ratelimit.Keyed) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			abort(c, http.StatusTooManyRequests, utils.CodeTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
