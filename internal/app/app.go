// Package app wires the shared components of the server and worker
// binaries from configuration, falling back to in-process implementations
// when Postgres or Redis are not configured.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/config"
	"github.com/example/airport-pooling/internal/lock"
	"github.com/example/airport-pooling/internal/matcher"
	"github.com/example/airport-pooling/internal/payments"
	"github.com/example/airport-pooling/internal/pricing"
	"github.com/example/airport-pooling/internal/queue"
	"github.com/example/airport-pooling/internal/rebalancer"
	"github.com/example/airport-pooling/internal/storage"
)

type App struct {
	Config     config.Config
	Log        *logrus.Logger
	Store      storage.Store
	Locker     lock.Locker
	Pricing    *pricing.Calculator
	Matcher    *matcher.Matcher
	Rebalancer *rebalancer.Rebalancer
	Payments   *payments.Client

	// Ready reports whether external dependencies answer.
	Ready func(ctx context.Context) error

	closers []func() error
}

func New(ctx context.Context, cfg config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	var pings []func(context.Context) error

	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ps.Close)
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				_ = a.Close()
				return nil, err
			}
			log.Info("schema migration applied")
		}
		a.Store = ps
		pings = append(pings, ps.Ping)
		log.Info("using postgres store")
	} else {
		a.Store = storage.NewMemoryStore()
		log.Warn("PG_DSN not set; using in-memory store")
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.Locker = lock.NewRedisManager(rdb, cfg.Pool.LockPollInterval, log)
		pings = append(pings, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		log.WithField("addr", cfg.RedisAddr).Info("using redis locks")
	} else {
		a.Locker = lock.NewLocalManager(log)
		log.Warn("REDIS_ADDR not set; locks are process-local")
	}

	if cfg.SeedDemo {
		ids, err := storage.SeedDemo(ctx, a.Store, cfg.Airport.Location)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("seed demo data: %w", err)
		}
		log.WithField("passenger_ids", ids).Info("demo data seeded")
	}

	a.Pricing = pricing.NewCalculator(cfg.Pricing, cfg.Airport.Location, a.Store)
	a.Matcher = matcher.New(a.Store, a.Locker, a.Pricing, matcher.Options{
		Airport:       cfg.Airport.Location,
		MaxPassengers: cfg.Pool.MaxPassengers,
		LockTTL:       cfg.Pool.LockTTL,
	}, log)
	a.Rebalancer = rebalancer.New(a.Store, a.Locker, rebalancer.Options{
		Airport: cfg.Airport.Location,
		LockTTL: cfg.Pool.LockTTL,
	}, log)
	a.Payments = payments.NewClient(cfg.StripeAPIKey, cfg.PaymentCurrency, log)
	if !a.Payments.Enabled() {
		log.Info("STRIPE_API_KEY not set; payment holds disabled")
	}

	a.Ready = func(ctx context.Context) error {
		for _, ping := range pings {
			if err := ping(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	return a, nil
}

func (a *App) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts: a.Config.Queue.MaxAttempts,
		Backoff:     queue.ExponentialBackoff(a.Config.Queue.BackoffBase),
	}
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
