package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/app"
	"github.com/example/airport-pooling/internal/config"
	"github.com/example/airport-pooling/internal/dispatch"
	httpapi "github.com/example/airport-pooling/internal/http"
	"github.com/example/airport-pooling/internal/logging"
	"github.com/example/airport-pooling/internal/queue"
	"github.com/example/airport-pooling/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.NewLogger(cfg.LogLevel)
	if len(cfg.KafkaBrokers) > 0 {
		if err := cfg.SharedBackends(); err != nil {
			log.WithError(err).Fatal("kafka mode needs postgres and redis")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	ws := dispatch.NewWSRegistry(log)
	notifier := dispatch.Fanout{ws, &dispatch.LogDispatcher{Log: log}}

	var (
		enqueuer queue.Enqueuer
		health   queue.HealthReporter
	)
	if len(cfg.KafkaBrokers) > 0 {
		p := queue.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, a.RetryPolicy())
		defer p.Close()
		enqueuer, health = p, p
		log.WithFields(logrus.Fields{"brokers": cfg.KafkaBrokers, "topic": cfg.KafkaTopic}).Info("publishing match jobs to kafka")
	} else {
		mq := queue.NewMemoryQueue(cfg.KafkaTopic, a.RetryPolicy(), log)
		defer mq.Close()
		worker.New(a.Matcher, a.Payments, a.Store, notifier, log).Register(mq)
		enqueuer, health = mq, mq
		log.Info("KAFKA_BROKERS not set; matching jobs run in process")
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Store:    a.Store,
		Pricing:  a.Pricing,
		Cancels:  a.Rebalancer,
		Payments: a.Payments,
		Queue:    enqueuer,
		Health:   health,
		WS:       ws,
		Notifier: notifier,
		Log:      log,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "airport": cfg.Airport.Name}).Info("airport pooling listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("http server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
	log.Info("server stopped")
}
