package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// WindowCounter counts hits of one fixed-window key.
type WindowCounter interface {
	Hit(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisWindow counts with INCR and lets the key expire after two windows.
type RedisWindow struct{ rdb *redis.Client }

func NewRedisWindow(rdb *redis.Client) *RedisWindow { return &RedisWindow{rdb: rdb} }

func (w *RedisWindow) Hit(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := w.rdb.Pipeline()
	cnt := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return cnt.Val(), nil
}

// RateLimitConfig configures the per-tenant request limiter.
type RateLimitConfig struct {
	Counter        WindowCounter // nil disables limiting
	DefaultRPS     int           // fallback if tenant_rps not set
	KeyPrefix      string        // e.g. "rl:tenant:"
	Window         time.Duration // usually 1s
	RetryAfterHint bool          // set Retry-After header when limited
	Now            func() time.Time
}

// RateLimitMiddleware applies a fixed-window per-tenant request limit.
// It expects tenant_id in echo.Context (set by APIKeyMiddleware).
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:tenant:"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, ok := TenantIDFromCtx(c)
			if !ok || cfg.Counter == nil {
				return next(c)
			}

			limit := cfg.DefaultRPS
			if m, ok := c.Get(ctxTenantRPS).(int); ok && m > 0 {
				limit = m
			}
			if limit <= 0 {
				return next(c)
			}

			now := cfg.Now()
			window := now.UnixNano() / int64(cfg.Window)
			key := cfg.KeyPrefix + strconv.FormatInt(tenantID, 10) + ":" + strconv.FormatInt(window, 10)

			n, err := cfg.Counter.Hit(c.Request().Context(), key, 2*cfg.Window)
			if err != nil {
				// fail open on counter errors
				c.Logger().Warnf("rate limit: %v", err)
				return next(c)
			}
			if n <= int64(limit) {
				return next(c)
			}

			if cfg.RetryAfterHint {
				remain := cfg.Window - time.Duration(now.UnixNano()%int64(cfg.Window))
				secs := int((remain + time.Second - 1) / time.Second)
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
			}
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		}
	}
}
