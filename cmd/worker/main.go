package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/app"
	"github.com/example/airport-pooling/internal/config"
	"github.com/example/airport-pooling/internal/dispatch"
	"github.com/example/airport-pooling/internal/logging"
	"github.com/example/airport-pooling/internal/queue"
	"github.com/example/airport-pooling/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	// allow overriding the metrics address for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	log := logging.NewLogger(cfg.LogLevel)
	// workers share the server's store and contend on one matching lock
	if err := cfg.SharedBackends(); err != nil {
		log.WithError(err).Fatal("worker requires shared backends")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	consumer := queue.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, a.RetryPolicy(), log)
	defer consumer.Close()
	worker.New(a.Matcher, a.Payments, a.Store, &dispatch.LogDispatcher{Log: log}, log).Register(consumer)

	go serveOps(cfg.MetricsAddr, a, consumer, log)

	log.WithFields(logrus.Fields{"topic": cfg.KafkaTopic, "brokers": cfg.KafkaBrokers, "group": cfg.KafkaGroup}).Info("worker consuming match jobs")
	if err := consumer.Run(ctx); err != nil {
		log.WithError(err).Error("consumer stopped")
	}
	log.Info("shutting down worker")
}

// serveOps exposes metrics, liveness and readiness on a side port.
func serveOps(addr string, a *app.App, health queue.HealthReporter, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Ready(r.Context()); err != nil {
			http.Error(w, "dependencies not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	mux.HandleFunc("/queue/health", func(w http.ResponseWriter, r *http.Request) {
		h, _ := health.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h)
	})
	log.WithField("addr", addr).Info("metrics/health listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics server stopped")
	}
}
