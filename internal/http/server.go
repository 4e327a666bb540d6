package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	glog "github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmehdipour/cart-recovery/internal/http/middleware"
	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/repository"
	"github.com/jmehdipour/cart-recovery/internal/status"
)

type CartCanceller interface {
	Cancel(ctx context.Context, tenantID int64, cartID string) error
}

type HealthReader interface {
	Snapshot(ctx context.Context, key model.ChannelKey, now time.Time) (*model.HealthMetric, error)
}

type StatusApplier interface {
	Apply(ctx context.Context, f model.DeliveryStatusFact) (status.Result, error)
}

// Deps are the services the ops API fronts. Redis may be nil, which disables the RPS limit.
type Deps struct {
	Tenants  repository.TenantsRepository
	Logs     repository.MessageLogsRepository
	Reports  repository.CHMessagesRepository
	Carts    CartCanceller
	Health   HealthReader
	Statuses StatusApplier
	Redis    *redis.Client
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLevel(cfg.Log.Level))
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	authMW := middleware.APIKeyMiddleware(d.Tenants)
	var counter middleware.WindowCounter
	if d.Redis != nil {
		counter = middleware.NewRedisWindow(d.Redis)
	}
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Counter:        counter,
		DefaultRPS:     cfg.RateLimit.APIRPS,
		KeyPrefix:      "rl:tenant:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/carts/:id/cancel", cancelCartHandler(d.Carts))
	v1.GET("/channels/:key/health", channelHealthHandler(d.Health))
	v1.GET("/reports/messages", listMessagesHandler(d.Reports))
	v1.POST("/messages/status", messageStatusHandler(d.Logs, d.Statuses))

	return &Server{e: e, log: log}
}

// echoLevel maps the zap level names onto the handler logger.
func echoLevel(level string) glog.Lvl {
	switch level {
	case "debug":
		return glog.DEBUG
	case "warn":
		return glog.WARN
	case "error":
		return glog.ERROR
	default:
		return glog.INFO
	}
}

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

// ServeHTTP lets the server be mounted or driven directly in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }
