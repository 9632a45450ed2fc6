package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brenonaraujo/tasquest.app/domain"
)

const redisLimiterTimeout = 250 * time.Millisecond

// RedisWindowStore counts requests per caller in fixed windows shared by all
// gateway instances. It implements middleware.RateLimiterStore.
type RedisWindowStore struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger *log.Logger
	now    func() time.Time
}

// NewRedisWindowStore allows limit requests per window for each identifier.
func NewRedisWindowStore(client *redis.Client, limit int, window time.Duration, logger *log.Logger) *RedisWindowStore {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisWindowStore{client: client, limit: limit, window: window, logger: logger, now: time.Now}
}

func (s *RedisWindowStore) key(identifier string, now time.Time) string {
	bucket := now.UnixNano() / int64(s.window)
	return fmt.Sprintf("ratelimit:xp:%s:%s", identifier, strconv.FormatInt(bucket, 10))
}

// Allow increments the caller's counter for the current window. Redis
// failures let the request through.
func (s *RedisWindowStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisLimiterTimeout)
	defer cancel()

	key := s.key(identifier, s.now())
	var count *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.window)
		return nil
	})
	if err != nil {
		s.logger.WithFields(log.Fields{"identifier": identifier, "error": err}).Warn("ratelimit.redis_unavailable")
		return true, nil
	}
	return count.Val() <= int64(s.limit), nil
}

// NewMemoryRateLimiterStore allows limit requests per window per caller with
// token buckets held in process memory.
func NewMemoryRateLimiterStore(limit int, window time.Duration) middleware.RateLimiterStore {
	return middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(limit) / window.Seconds()),
		Burst:     limit,
		ExpiresIn: 3 * window,
	})
}

// rateLimit guards a route with store. Callers are identified by the verified
// token subject when bearer auth runs first, otherwise by client IP.
func rateLimit(store middleware.RateLimiterStore, window time.Duration) echo.MiddlewareFunc {
	retryAfter := strconv.Itoa(int(window.Seconds()))
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store:               store,
		IdentifierExtractor: callerIdentity,
		ErrorHandler: func(c echo.Context, err error) error {
			return &Error{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "Unable to identify caller", Cause: err}
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			return &Error{Status: http.StatusTooManyRequests, Code: domain.CodeRateLimited, Message: msgRateLimited, Cause: err}
		},
	})
}

func callerIdentity(c echo.Context) (string, error) {
	if userID, ok := c.Get(contextKeyUserID).(string); ok && userID != "" {
		return "user:" + userID, nil
	}
	return "ip:" + c.RealIP(), nil
}
