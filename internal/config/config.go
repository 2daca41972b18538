package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/airport-pooling/internal/geo"
	"github.com/example/airport-pooling/internal/models"
)

type PricingConfig struct {
	BaseFare            float64
	DistanceRatePerKm   float64
	MaxDemandMultiplier float64
	PoolDiscountPercent float64
	DetourPenaltyPerKm  float64
}

type AirportConfig struct {
	Name     string
	Location models.Coord
}

type PoolConfig struct {
	MaxPassengers    int
	LockTTL          time.Duration
	LockPollInterval time.Duration
}

type QueueConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Config captures all tunable parameters for the server and worker
// processes. Values come from environment variables (optionally seeded from
// a .env file) with defaults that run locally without Postgres, Redis or
// Kafka.
type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MetricsAddr     string

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN string

	StripeAPIKey    string
	PaymentCurrency string

	Pricing PricingConfig
	Airport AirportConfig
	Pool    PoolConfig
	Queue   QueueConfig

	LogLevel      string
	RunMigrations bool
	SeedDemo      bool
}

func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MetricsAddr:     ":2112",
		KafkaTopic:      "pool-matching",
		KafkaGroup:      "pool-matching-worker",
		PaymentCurrency: "inr",
		Pricing: PricingConfig{
			BaseFare:            50,
			DistanceRatePerKm:   12,
			MaxDemandMultiplier: 2.5,
			PoolDiscountPercent: 25,
			DetourPenaltyPerKm:  5,
		},
		Airport: AirportConfig{
			Name:     "Chennai International Airport",
			Location: models.Coord{Lat: 12.9941, Lng: 80.1709},
		},
		Pool: PoolConfig{
			MaxPassengers:    4,
			LockTTL:          5 * time.Second,
			LockPollInterval: 50 * time.Millisecond,
		},
		Queue: QueueConfig{
			MaxAttempts: 3,
			BackoffBase: time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads a .env file when present and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() (Config, error) {
	cfg := Default()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	setFloatFromEnv(&cfg.Pricing.BaseFare, "BASE_FARE", &errs)
	setFloatFromEnv(&cfg.Pricing.DistanceRatePerKm, "DISTANCE_RATE", &errs)
	setFloatFromEnv(&cfg.Pricing.MaxDemandMultiplier, "MAX_DEMAND_MULTIPLIER", &errs)
	setFloatFromEnv(&cfg.Pricing.PoolDiscountPercent, "POOL_DISCOUNT_PERCENT", &errs)
	setFloatFromEnv(&cfg.Pricing.DetourPenaltyPerKm, "DETOUR_PENALTY_PER_KM", &errs)

	setStringFromEnv(&cfg.Airport.Name, "AIRPORT_NAME")
	setFloatFromEnv(&cfg.Airport.Location.Lat, "AIRPORT_LAT", &errs)
	setFloatFromEnv(&cfg.Airport.Location.Lng, "AIRPORT_LNG", &errs)

	setIntFromEnv(&cfg.Pool.MaxPassengers, "POOL_MAX_PASSENGERS", &errs)
	setDurationFromEnv(&cfg.Pool.LockTTL, "LOCK_TTL", &errs)
	setDurationFromEnv(&cfg.Pool.LockPollInterval, "LOCK_POLL_INTERVAL", &errs)

	setIntFromEnv(&cfg.Queue.MaxAttempts, "QUEUE_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.Queue.BackoffBase, "QUEUE_BACKOFF_BASE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	cfg.SeedDemo = strings.EqualFold(os.Getenv("SEED_DEMO"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c Config) validate() []error {
	var errs []error
	if c.Pricing.BaseFare < 0 || c.Pricing.DistanceRatePerKm < 0 || c.Pricing.DetourPenaltyPerKm < 0 {
		errs = append(errs, fmt.Errorf("fares and rates must be >= 0"))
	}
	if c.Pricing.MaxDemandMultiplier < 1 {
		errs = append(errs, fmt.Errorf("MAX_DEMAND_MULTIPLIER must be >= 1"))
	}
	if c.Pricing.PoolDiscountPercent < 0 || c.Pricing.PoolDiscountPercent > 100 {
		errs = append(errs, fmt.Errorf("POOL_DISCOUNT_PERCENT must be within 0-100"))
	}
	if c.Airport.Location.Lat < -90 || c.Airport.Location.Lat > 90 || c.Airport.Location.Lng < -180 || c.Airport.Location.Lng > 180 {
		errs = append(errs, fmt.Errorf("airport coordinates out of range"))
	}
	if c.Pool.MaxPassengers < 1 || c.Pool.MaxPassengers > geo.MaxExactStops {
		errs = append(errs, fmt.Errorf("POOL_MAX_PASSENGERS must be within 1-%d", geo.MaxExactStops))
	}
	if c.Pool.LockTTL <= 0 || c.Pool.LockPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_TTL and LOCK_POLL_INTERVAL must be > 0"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be > 0"))
	}
	return errs
}

// SharedBackends reports the settings that must be present when match jobs
// leave the process: the server and workers need one store and one lock.
func (c Config) SharedBackends() error {
	var errs []error
	if len(c.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if c.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required when KAFKA_BROKERS is set"))
	}
	if c.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required when KAFKA_BROKERS is set"))
	}
	return errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
