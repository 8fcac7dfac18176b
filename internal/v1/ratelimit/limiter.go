// Package ratelimit throttles the HTTP API and WebSocket upgrades. Limits
// live in Redis so they hold across edges; without Redis they fall back to
// per-process memory.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/duang3457/instant-messaging-project/internal/v1/config"
	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
)

// RateLimiter holds one limiter per surface.
type RateLimiter struct {
	api  *limiter.Limiter // account and login endpoints, keyed by IP
	send *limiter.Limiter // message sends, keyed by user id
	ws   *limiter.Limiter // WebSocket upgrades, keyed by IP
}

// New builds the limiter set from formatted rates. A nil redisClient selects
// the in-memory store.
func New(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPI)
	if err != nil {
		return nil, fmt.Errorf("invalid api rate: %w", err)
	}
	sendRate, err := limiter.NewRateFromFormatted(cfg.RateLimitSend)
	if err != nil {
		return nil, fmt.Errorf("invalid send rate: %w", err)
	}
	wsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWS)
	if err != nil {
		return nil, fmt.Errorf("invalid ws rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("redis limiter store: %w", err)
		}
	} else {
		store = memory.NewStore()
	}

	return &RateLimiter{
		api:  limiter.New(store, apiRate),
		send: limiter.New(store, sendRate),
		ws:   limiter.New(store, wsRate),
	}, nil
}

// APIMiddleware throttles the public account endpoints per client IP.
func (rl *RateLimiter) APIMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rl.enforce(c, rl.api, c.ClientIP())
	}
}

// SendMiddleware throttles message sends. Keyed by user id when the auth
// layer has identified the caller, by IP otherwise.
func (rl *RateLimiter) SendMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("user_id")
		if key == "" {
			key = c.ClientIP()
		}
		rl.enforce(c, rl.send, key)
	}
}

// CheckWebSocket gates a WebSocket upgrade by client IP. Writes the 429
// itself and returns false when over limit.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	lctx, err := rl.ws.Get(ctx, c.ClientIP())
	if err != nil {
		// Fail open: a broken limiter store must not take down connects.
		logging.Error(ctx, "ws limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return false
	}
	return true
}

func (rl *RateLimiter) enforce(c *gin.Context, l *limiter.Limiter, key string) {
	ctx := c.Request.Context()
	lctx, err := l.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "limiter store failed", zap.Error(err))
		c.Next()
		return
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

	if lctx.Reached {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		return
	}
	c.Next()
}
