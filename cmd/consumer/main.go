package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/directory"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/readmodel"
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	// allow overriding the metrics address for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel, "trip-dispatch-consumer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rc.Close() }()

	metrics := metricsServer(cfg.MetricsAddr, rc, logger)
	go func() {
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	router := events.NewRouter()
	var push *dispatch.PushNotifier
	if cfg.PushEndpoint != "" {
		push = dispatch.NewPushNotifier(cfg.PushEndpoint)
	}
	// sockets are served by the API instances; this process only pushes
	readmodel.NewProjector(readmodel.NewRedisCache(rc, cfg.StatusTTL), dispatch.NewFanout(nil, push, logger), logger).Register(router)
	if cfg.StripeAPIKey != "" {
		payments.NewHandler(payments.NewStripeGateway(cfg.StripeAPIKey), payments.NewRedisIntents(rc), cfg.PaymentCurrency, logger).Register(router)
		logger.Info("payments enabled", "currency", cfg.PaymentCurrency)
	}

	tripReader := events.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTripTopic, cfg.KafkaGroup)
	locReader := events.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaGroup+"-locations")
	defer func() {
		_ = tripReader.Close()
		_ = locReader.Close()
	}()

	tripConsumer := events.NewConsumer(tripReader, router, events.NewRedisDeduper(rc, cfg.KafkaGroup, cfg.DedupTTL), logger)
	locConsumer := ingest.NewConsumer(locReader, ingest.NewApplier(geo.NewRedisIndex(rc, cfg.RedisGeoKey), directory.NewRedisStore(rc)), logger)

	logger.Info("consumer started", "brokers", cfg.KafkaBrokers, "trip_topic", cfg.KafkaTripTopic, "location_topic", cfg.KafkaLocationTopic, "group", cfg.KafkaGroup)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := tripConsumer.Run(ctx); err != nil {
			logger.Error("trip event consumer stopped", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := locConsumer.Run(ctx); err != nil {
			logger.Error("location consumer stopped", "err", err)
		}
	}()
	wg.Wait()

	logger.Info("shutting down consumer")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
}

func metricsServer(addr string, rc redis.UniversalClient, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		// readiness: check redis connectivity
		if err := rc.Ping(r.Context()).Err(); err != nil {
			logger.Warn("readiness check failed", "err", err)
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
