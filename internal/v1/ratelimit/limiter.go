// Package ratelimit implements HTTP and WebSocket rate limiting using Redis
// or local memory as the shared counter store.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/config"
	"github.com/ennuiii/gamebuddies/internal/v1/logging"
	"github.com/ennuiii/gamebuddies/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the rate limiter instances backing the Edge surface.
type RateLimiter struct {
	apiGlobal   *limiter.Limiter
	pollStatus  *limiter.Limiter
	wsConnectIP *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance from validated config.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}

	pollStatusRate, err := limiter.NewRateFromFormatted(cfg.RateLimitPollStatus)
	if err != nil {
		return nil, fmt.Errorf("invalid poll-status rate: %w", err)
	}

	wsConnectIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsConnectIP)
	if err != nil {
		return nil, fmt.Errorf("invalid ws connect IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:lobby:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled)")
	}

	return &RateLimiter{
		apiGlobal:   limiter.New(store, apiGlobalRate),
		pollStatus:  limiter.New(store, pollStatusRate),
		wsConnectIP: limiter.New(store, wsConnectIPRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// GlobalMiddleware enforces a global per-IP request ceiling on every Edge
// HTTP endpoint, ahead of any endpoint-specific limit.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := c.ClientIP()

		lctx, err := rl.apiGlobal.Get(ctx, key)
		if err != nil {
			// Fail open: availability beats strict enforcement when the
			// limiter's backing store is unreachable.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// PollStatusMiddleware enforces the return-status poll ceiling, keyed by the
// value stored in the gin context under userIDKey; when no earlier handler
// has set that value, the key is the client IP.
func (rl *RateLimiter) PollStatusMiddleware(userIDKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		key, ok := c.Get(userIDKey)
		if !ok {
			key = c.ClientIP()
		}
		keyStr := fmt.Sprintf("%v", key)

		lctx, err := rl.pollStatus.Get(ctx, keyStr)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "poll_status").Inc()
			c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocketConnectIP checks if a new lobby socket connection attempt
// from this IP is allowed. Returns false (and writes the error response) if
// the limit was exceeded.
func (rl *RateLimiter) CheckWebSocketConnectIP(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := rl.wsConnectIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (ip)", zap.Error(err))
		return true // fail open
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("lobby_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connection attempts from this IP"})
		return false
	}

	return true
}
