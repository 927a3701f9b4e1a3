// Package config loads process settings from the environment. A .env file
// in the working directory, if present, is read first and never overrides
// variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/example/trip-dispatch/internal/pricing"
)

// Shared holds the settings both binaries need.
type Shared struct {
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaTripTopic     string
	KafkaLocationTopic string
	KafkaGroup         string

	PushEndpoint string
	LogLevel     string
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Every backend is optional: without Redis, Kafka or Postgres the server
// falls back to in-process implementations so it can run locally.
type ServerConfig struct {
	Shared

	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	SearchRadiusKm float64
	SearchLimit    int
	MaxCandidates  int
	AvgSpeedKmh    float64

	TimeoutSearching  time.Duration
	TimeoutArrival    time.Duration
	TimeoutPickupWait time.Duration
	TimeoutPickedUp   time.Duration
	TimeoutMaxTrip    time.Duration
	TimeoutGrace      time.Duration
	SweepInterval     time.Duration
	ProcessID         string

	FareBase    float64
	FarePerKm   float64
	FareMinimum float64
	Surge       []pricing.SurgeTier
}

// ConsumerConfig drives the event consumer process.
type ConsumerConfig struct {
	Shared

	MetricsAddr     string
	StripeAPIKey    string
	PaymentCurrency string
	StatusTTL       time.Duration
	DedupTTL        time.Duration
}

func defaultShared() Shared {
	return Shared{
		RedisGeoKey:        "drivers_geo",
		KafkaTripTopic:     "trip-events",
		KafkaLocationTopic: "driver-locations",
		KafkaGroup:         "trip-dispatch",
		LogLevel:           "info",
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Shared:            defaultShared(),
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		SearchRadiusKm:    5,
		SearchLimit:       20,
		MaxCandidates:     5,
		AvgSpeedKmh:       30,
		TimeoutSearching:  5 * time.Minute,
		TimeoutArrival:    30 * time.Minute,
		TimeoutPickupWait: 10 * time.Minute,
		TimeoutMaxTrip:    4 * time.Hour,
		TimeoutGrace:      2 * time.Minute,
		SweepInterval:     30 * time.Second,
		FareBase:          2.5,
		FarePerKm:         1.2,
		FareMinimum:       5,
		Surge:             pricing.DefaultSurge(),
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Shared:          defaultShared(),
		MetricsAddr:     ":2112",
		PaymentCurrency: "usd",
		StatusTTL:       7 * 24 * time.Hour,
		DedupTTL:        24 * time.Hour,
	}
}

func loadDotenv() {
	// a missing .env is the normal case in deployed environments
	_ = godotenv.Load()
}

func loadShared(cfg *Shared) {
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTripTopic, "KAFKA_TRIP_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
}

func LoadServerConfig() (ServerConfig, error) {
	loadDotenv()
	cfg := defaultServerConfig()
	var errs []error

	loadShared(&cfg.Shared)

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setFloatFromEnv(&cfg.SearchRadiusKm, "SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.SearchLimit, "SEARCH_LIMIT", &errs)
	setIntFromEnv(&cfg.MaxCandidates, "MAX_CANDIDATES", &errs)
	setFloatFromEnv(&cfg.AvgSpeedKmh, "AVG_SPEED_KMH", &errs)

	setDurationFromEnv(&cfg.TimeoutSearching, "TIMEOUT_SEARCHING", &errs)
	setDurationFromEnv(&cfg.TimeoutArrival, "TIMEOUT_ARRIVAL", &errs)
	setDurationFromEnv(&cfg.TimeoutPickupWait, "TIMEOUT_PICKUP_WAIT", &errs)
	setDurationFromEnv(&cfg.TimeoutPickedUp, "TIMEOUT_PICKED_UP", &errs)
	setDurationFromEnv(&cfg.TimeoutMaxTrip, "TIMEOUT_MAX_TRIP", &errs)
	setDurationFromEnv(&cfg.TimeoutGrace, "TIMEOUT_GRACE", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "TIMEOUT_SWEEP_INTERVAL", &errs)
	setStringFromEnv(&cfg.ProcessID, "PROCESS_ID")
	if cfg.ProcessID == "" {
		cfg.ProcessID = defaultProcessID()
	}

	setFloatFromEnv(&cfg.FareBase, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.FareMinimum, "FARE_MINIMUM", &errs)
	if v := strings.TrimSpace(os.Getenv("SURGE_THRESHOLDS")); v != "" {
		tiers, err := pricing.ParseSurge(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid SURGE_THRESHOLDS: %w", err))
		} else {
			cfg.Surge = tiers
		}
	}

	if cfg.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_KM must be > 0"))
	}
	if cfg.SearchLimit <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_LIMIT must be > 0"))
	}
	if cfg.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CANDIDATES must be > 0"))
	}
	if cfg.AvgSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("AVG_SPEED_KMH must be > 0"))
	}
	if cfg.FareMinimum < 0 || cfg.FareBase < 0 || cfg.FarePerKm < 0 {
		errs = append(errs, fmt.Errorf("fare settings must not be negative"))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"TIMEOUT_SEARCHING", cfg.TimeoutSearching},
		{"TIMEOUT_ARRIVAL", cfg.TimeoutArrival},
		{"TIMEOUT_PICKUP_WAIT", cfg.TimeoutPickupWait},
		{"TIMEOUT_PICKED_UP", cfg.TimeoutPickedUp},
		{"TIMEOUT_MAX_TRIP", cfg.TimeoutMaxTrip},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	loadDotenv()
	cfg := defaultConsumerConfig()
	var errs []error

	loadShared(&cfg.Shared)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")
	cfg.PaymentCurrency = strings.ToLower(cfg.PaymentCurrency)
	setDurationFromEnv(&cfg.StatusTTL, "STATUS_TTL", &errs)
	setDurationFromEnv(&cfg.DedupTTL, "DEDUP_TTL", &errs)

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	}
	if cfg.DedupTTL <= 0 {
		errs = append(errs, fmt.Errorf("DEDUP_TTL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func defaultProcessID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dispatch"
	}
	return host + "-" + uuid.NewString()[:8]
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
