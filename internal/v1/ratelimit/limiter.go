// Package ratelimit guards the signaling hub's WebSocket upgrades with
// a per-IP connection budget backed by an in-memory sliding window.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/shadow-nexus/server/internal/v1/config"
	"github.com/shadow-nexus/server/internal/v1/logging"
	"github.com/shadow-nexus/server/internal/v1/metrics"
)

// RateLimiter holds the limiter instances.
type RateLimiter struct {
	wsIP   *limiter.Limiter
	bypass bool
}

// NewRateLimiter builds the limiter from the configured rate format
// (e.g. "100-M" for 100 per minute). Development mode disables
// enforcement so local multi-tab testing is not throttled.
func NewRateLimiter(cfg *config.Config) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	return &RateLimiter{
		wsIP:   limiter.New(memory.NewStore(), wsIPRate),
		bypass: cfg.DevelopmentMode,
	}, nil
}

// CheckWebSocket reports whether a WebSocket upgrade from this client
// may proceed. When the limit is reached it writes the 429 response
// itself and returns false. Store failures fail open.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	if rl.bypass {
		return true
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(ipContext.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(ipContext.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(ipContext.Reset, 10))

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}
	return true
}
