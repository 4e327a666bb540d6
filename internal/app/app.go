// Package app wires configuration, storage, the job queue and the domain services
// the commands run.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/cart"
	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmehdipour/cart-recovery/internal/db"
	"github.com/jmehdipour/cart-recovery/internal/dispatch"
	"github.com/jmehdipour/cart-recovery/internal/events"
	"github.com/jmehdipour/cart-recovery/internal/health"
	"github.com/jmehdipour/cart-recovery/internal/ingest"
	"github.com/jmehdipour/cart-recovery/internal/jobs"
	"github.com/jmehdipour/cart-recovery/internal/kafka"
	"github.com/jmehdipour/cart-recovery/internal/logger"
	"github.com/jmehdipour/cart-recovery/internal/ratelimit"
	"github.com/jmehdipour/cart-recovery/internal/repository"
	"github.com/jmehdipour/cart-recovery/internal/status"
	"github.com/jmehdipour/cart-recovery/internal/transport"
)

type Repos struct {
	Carts      repository.CartsRepository
	Templates  repository.TemplatesRepository
	Channels   repository.ChannelsRepository
	Tenants    repository.TenantsRepository
	Logs       repository.MessageLogsRepository
	Health     repository.HealthRepository
	RateLimits repository.RateLimitConfigRepository
}

type App struct {
	Cfg   config.Config
	Log   *zap.Logger
	MySQL *sqlx.DB
	Redis *redis.Client
	Queue jobs.Queue
	Repos Repos

	Health   *health.Store
	Limiter  *ratelimit.Limiter
	Carts    *cart.Manager
	Statuses *status.Service

	closers []func() error
}

// New opens MySQL and Redis and builds the services every command shares.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	mysqlDB, err := db.NewMySQLConnection(cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	a.MySQL = mysqlDB
	a.closers = append(a.closers, mysqlDB.Close)

	rdb, err := db.NewRedisClient(cfg.Redis)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	a.Redis = rdb
	a.closers = append(a.closers, rdb.Close)

	a.Queue, err = newQueue(cfg, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.Queue.Close)

	a.Repos = Repos{
		Carts:      repository.NewCartsRepository(mysqlDB),
		Templates:  repository.NewTemplatesRepository(mysqlDB),
		Channels:   repository.NewChannelsRepository(mysqlDB),
		Tenants:    repository.NewTenantsRepository(mysqlDB),
		Logs:       repository.NewMessageLogsRepository(mysqlDB),
		Health:     repository.NewHealthRepository(mysqlDB),
		RateLimits: repository.NewRateLimitConfigRepository(mysqlDB),
	}

	a.Health = health.NewStore(a.Repos.Health, health.NewRedisCounters(rdb), health.ThresholdsFrom(cfg.Health), cfg.Health.DefaultDailyCap, log.Named("health"))
	a.Limiter = ratelimit.New(a.Repos.RateLimits, a.Health, a.Repos.Logs, cfg.RateLimit, log.Named("ratelimit"))
	a.Carts = cart.New(a.Repos.Carts, a.Repos.Templates, a.Repos.Channels, a.Repos.Logs, a.Queue, a.Health, cfg.Cart, log.Named("cart"))
	a.Statuses = status.New(a.Repos.Logs, a.Health, log.Named("status"))

	return a, nil
}

func newQueue(cfg config.Config, log *zap.Logger) (jobs.Queue, error) {
	switch strings.ToLower(cfg.Jobs.Driver) {
	case "", "asynq":
		return jobs.NewAsynqQueue(db.AsynqRedisOpt(cfg.Redis), jobs.AsynqConfig{
			MaxAttempts:    cfg.Jobs.MaxAttempts,
			BackoffBase:    cfg.Jobs.BackoffBase,
			Retention:      cfg.Jobs.Retention,
			ShutdownPeriod: cfg.Jobs.ShutdownPeriod,
			Location:       location(cfg.RateLimit.Timezone, log),
		}, log.Named("jobs")), nil
	case "memory":
		return jobs.NewMemoryQueue(
			jobs.WithLogger(log.Named("jobs")),
			jobs.WithDefaults(cfg.Jobs.MaxAttempts, cfg.Jobs.BackoffBase),
			jobs.WithRetention(cfg.Jobs.Retention),
			jobs.WithSweepInterval(cfg.Jobs.SweepInterval),
		), nil
	default:
		return nil, fmt.Errorf("unknown jobs driver %q", cfg.Jobs.Driver)
	}
}

func location(name string, log *zap.Logger) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("unknown timezone, using UTC", zap.String("timezone", name), zap.Error(err))
		return time.UTC
	}
	return loc
}

// Publisher returns the outcome publisher; without brokers or an outcomes topic nothing is published.
func (a *App) Publisher() events.Publisher {
	if len(a.Cfg.Kafka.Brokers) == 0 || a.Cfg.Kafka.Topics.Outcomes == "" {
		a.Log.Warn("kafka outcomes disabled")
		return events.Nop{}
	}
	p := events.NewKafkaPublisher(kafka.NewProducer(a.Cfg.Kafka.Brokers, a.Cfg.Kafka.Topics.Outcomes))
	a.closers = append(a.closers, p.Close)
	return p
}

// Dispatcher registers the message, check and maintenance handlers on the queue and
// schedules the recurring maintenance jobs.
func (a *App) Dispatcher(ctx context.Context) error {
	w := dispatch.NewWorker(
		a.Repos.Carts,
		a.Repos.Templates,
		a.Repos.Channels,
		a.Repos.Tenants,
		a.Repos.Logs,
		a.Limiter,
		a.Health,
		transport.NewHTTPFactory(a.Cfg.Evolution, a.Cfg.CloudAPI),
		a.Publisher(),
		a.Cfg.Dispatch,
		a.Log.Named("dispatch"),
	)
	h := dispatch.NewHousekeeper(a.Carts, a.Repos.Tenants, a.Log.Named("housekeeping"))
	dispatch.Register(a.Queue, w, h, a.Cfg.Jobs.Concurrency)

	if err := dispatch.ScheduleMaintenance(ctx, a.Queue, a.Cfg.Maintenance); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	return nil
}

// Close releases everything New and the builders opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ClickHouse opens the reporting store; only the ops API reads it.
func (a *App) ClickHouse() (*sqlx.DB, error) {
	ch, err := db.NewClickHouseConnection(a.Cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("clickhouse connect: %w", err)
	}
	a.closers = append(a.closers, ch.Close)
	return ch, nil
}

// Ingester subscribes to the cart, order and status topics.
func (a *App) Ingester() *ingest.Ingester {
	topics := a.Cfg.Kafka.Topics
	var sources []ingest.Source
	for _, t := range []string{topics.Carts, topics.Orders, topics.Statuses} {
		if t == "" {
			continue
		}
		sources = append(sources, kafka.NewConsumerFromConfig(kafka.ConfigFor(a.Cfg.Kafka, t)))
	}
	ing := ingest.New(sources, topics, a.Carts, a.Statuses, a.Cfg.Kafka.Workers, a.Log.Named("ingest"))
	a.closers = append(a.closers, ing.Close)
	return ing
}

// Bootstrap loads the config file plus env overrides and initialises the logger.
func Bootstrap(path, service string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger.Init(cfg.Log, service), nil
}
