package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/booking"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/directory"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/geo"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/matcher"
	"github.com/example/trip-dispatch/internal/pricing"
	"github.com/example/trip-dispatch/internal/readmodel"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/timeout"
	"github.com/example/trip-dispatch/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "trip-dispatch-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		idx     geo.Index
		drivers directory.Store
		offers  matcher.OfferLedger
		tmStore timeout.Store
		trips   storage.TripStore
		pub     events.Publisher
		reader  events.Reader
		locSink ingest.Sink
		closers []func() error
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "err", err)
			}
		}
	}()

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
		closers = append(closers, rc.Close)
		idx = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		drivers = directory.NewRedisStore(rc)
		offers = matcher.NewRedisOffers(rc)
		tmStore = timeout.NewRedisStore(rc)
		logger.Info("using redis", "addr", cfg.RedisAddr)
	} else {
		idx = geo.NewMemoryIndex()
		drivers = directory.NewMemoryStore()
		offers = matcher.NewMemoryOffers()
		tmStore = timeout.NewMemoryStore()
		logger.Warn("REDIS_ADDR not set, driver and timeout state is process-local")
	}

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, pg.Close)
		if cfg.RunMigrations {
			path := filepath.Join("migrations", "001_create_trips.sql")
			if err := pg.Migrate(ctx, path); err != nil {
				return err
			}
			logger.Info("migration applied", "file", path)
		}
		trips = pg
	} else {
		trips = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, trips are kept in memory")
	}

	ws := dispatch.NewWSRegistry(logger)
	applier := ingest.NewApplier(idx, drivers)
	router := events.NewRouter()

	if len(cfg.KafkaBrokers) > 0 {
		for _, topic := range []string{cfg.KafkaTripTopic, cfg.KafkaLocationTopic} {
			if err := events.EnsureTopic(ctx, cfg.KafkaBrokers[0], topic, 6); err != nil {
				logger.Warn("could not ensure topic", "topic", topic, "err", err)
			}
		}
		producer := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTripTopic, logger)
		closers = append(closers, producer.Close)
		pub = producer

		locations := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		closers = append(closers, locations.Close)
		locSink = locations

		// Sockets live on this instance, so every instance reads the whole
		// topic under its own group, starting from now.
		live := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.KafkaTripTopic,
			GroupID:     cfg.KafkaGroup + "-live-" + cfg.ProcessID,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		})
		closers = append(closers, live.Close)
		reader = live
		readmodel.NewProjector(readmodel.NewMemoryCache(), dispatch.NewFanout(ws, nil, logger), logger).Register(router)
	} else {
		bus := events.NewMemoryBus(1024)
		pub = bus
		reader = bus
		locSink = applier
		var push *dispatch.PushNotifier
		if cfg.PushEndpoint != "" {
			push = dispatch.NewPushNotifier(cfg.PushEndpoint)
		}
		readmodel.NewProjector(readmodel.NewMemoryCache(), dispatch.NewFanout(ws, push, logger), logger).Register(router)
		logger.Warn("KAFKA_BROKERS not set, events are delivered in process")
	}

	tm := timeout.NewManager(tmStore, cfg.ProcessID, timeout.Config{Grace: cfg.TimeoutGrace, SweepInterval: cfg.SweepInterval}, logger)
	machine := trip.NewMachine(trips, tm, pub, trip.Policy{
		Searching:  cfg.TimeoutSearching,
		Arrival:    cfg.TimeoutArrival,
		PickupWait: cfg.TimeoutPickupWait,
		PickedUp:   cfg.TimeoutPickedUp,
		MaxTrip:    cfg.TimeoutMaxTrip,
	}, logger)

	svc := booking.NewService(booking.Deps{
		Trips:   machine,
		Matcher: matcher.NewService(idx, drivers, matcher.Config{RadiusKm: cfg.SearchRadiusKm, SearchLimit: cfg.SearchLimit, MaxCandidates: cfg.MaxCandidates}, logger),
		Offers:  offers,
		Drivers: drivers,
		Pricing: pricing.Calculator{Base: cfg.FareBase, PerKm: cfg.FarePerKm, Minimum: cfg.FareMinimum, Surge: cfg.Surge},
	}, booking.Config{AvgSpeedKmh: cfg.AvgSpeedKmh}, logger)

	var wg sync.WaitGroup
	bg, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	wg.Add(2)
	go func() { defer wg.Done(); _ = tm.Run(bg) }()
	go func() {
		defer wg.Done()
		if err := events.NewConsumer(reader, router, events.NewMemoryDeduper(0), logger).Run(bg); err != nil {
			logger.Error("event consumer stopped", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, locSink, ws, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("trip dispatch listening", "addr", cfg.HTTPAddr, "process_id", cfg.ProcessID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			cancelBG()
			wg.Wait()
			machine.Close()
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}
	if err := svc.Drain(shutdownCtx); err != nil {
		logger.Warn("unpublished events at shutdown", "err", err)
	}
	machine.Close()
	cancelBG()
	wg.Wait()
	return nil
}
