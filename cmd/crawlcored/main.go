// Package main wires together the crawl coordination service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crawlcore/internal/api"
	"crawlcore/internal/checkpoint"
	"crawlcore/internal/clock/system"
	"crawlcore/internal/config"
	"crawlcore/internal/events"
	"crawlcore/internal/fetcher/httpfetch"
	"crawlcore/internal/fingerprint"
	"crawlcore/internal/id/uuid"
	"crawlcore/internal/iteration"
	"crawlcore/internal/job"
	"crawlcore/internal/logging"
	"crawlcore/internal/metrics"
	"crawlcore/internal/orchestrator"
	"crawlcore/internal/policy/ratelimit"
	"crawlcore/internal/publisher"
	pubsubpublisher "crawlcore/internal/publisher/pubsub"
	memorystorage "crawlcore/internal/storage/memory"
	"crawlcore/internal/storage/postgres"
	"crawlcore/internal/telemetry"
)

const serviceVersion = "0.3.0"

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	tel, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "crawlcore",
		Version:     serviceVersion,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	jobStore, closeStore, err := buildJobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	checkpointStore, err := buildCheckpointStore(cfg, logger)
	if err != nil {
		return err
	}
	fingerprintStore := buildFingerprintStore(cfg, logger)

	clk := system.New()
	ids := uuid.New()

	bus := events.NewBus(events.BusConfig{
		RingCapacity:     cfg.Events.RingCapacity,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
	}, logger.Named("events"))
	defer bus.Close()

	aggregator := metrics.NewAggregator(clk, logger.Named("metrics"))
	bus.SubscribeAll(aggregator.Handle)

	promSink := metrics.NewPrometheusSink(tel.Registry)
	bus.SubscribeAll(promSink.Handle)

	if pgStore, ok := jobStore.(*postgres.JobStore); ok {
		archive := postgres.NewEventStore(pgStore, logger.Named("archive"))
		bus.SubscribeAll(archive.Handle)
		logger.Info("event archiving enabled")
	}

	go aggregator.SampleResources(ctx, time.Duration(cfg.Metrics.ResourceSampleSeconds)*time.Second)

	if cfg.PubSub.Enabled {
		pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		}()
		forwarder := publisher.NewForwarder(pub, cfg.PubSub.TopicName, logger.Named("forwarder"))
		bus.SubscribeAll(forwarder.Handle)
		logger.Info("event forwarding enabled",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName))
	}

	checkpoints := checkpoint.NewManager(checkpointStore, clk, ids, bus, logger.Named("checkpoint"))
	iterations := iteration.NewManager(fingerprintStore, clk, logger.Named("iteration"))

	userAgent := cfg.Fetcher.UserAgent
	if userAgent == "" {
		userAgent = "crawlcore/" + serviceVersion
	}
	worker := httpfetch.New(httpfetch.Config{
		UserAgent: userAgent,
		Timeout:   time.Duration(cfg.Fetcher.TimeoutSeconds) * time.Second,
		Limiter: ratelimit.New(ratelimit.Config{
			PerHostRPS: cfg.Fetcher.PerHostRPS,
			Burst:      cfg.Fetcher.Burst,
		}),
	})

	orch := orchestrator.New(orchestrator.Config{
		AutoCheckpointInterval: cfg.Orchestrator.AutoCheckpointInterval,
		KeepCheckpoints:        cfg.Orchestrator.KeepCheckpoints,
		FailureThreshold:       cfg.Orchestrator.FailureThreshold,
		MinFailureSample:       cfg.Orchestrator.MinFailureSample,
	}, orchestrator.Deps{
		Store:       jobStore,
		Bus:         bus,
		Metrics:     aggregator,
		Checkpoints: checkpoints,
		Iterations:  iterations,
		Worker:      worker,
		Clock:       clk,
		IDs:         ids,
		Logger:      logger.Named("orchestrator"),
		Tracer:      tel.Tracer("crawlcore/orchestrator"),
	})

	apiServer := api.NewServer(cfg, api.Deps{
		Orchestrator: orch,
		Bus:          bus,
		Metrics:      aggregator,
		Checkpoints:  checkpoints,
		Iterations:   iterations,
		History:      jobStore,
		Telemetry:    tel,
		Registry:     tel.Registry,
		Logger:       logger.Named("api"),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// buildJobStore returns the Postgres-backed store when a DSN is configured,
// otherwise the in-memory store.
func buildJobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (job.Store, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(), func() {}, nil
	}
	store, err := postgres.NewJobStore(ctx, postgres.JobStoreConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxConns),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init postgres job store: %w", err)
	}
	logger.Info("using postgres job store")
	return store, store.Close, nil
}

func buildCheckpointStore(cfg config.Config, logger *zap.Logger) (checkpoint.Store, error) {
	switch cfg.Checkpoints.Backend {
	case "fs":
		store, err := checkpoint.NewFSStore(cfg.Checkpoints.Dir)
		if err != nil {
			return nil, fmt.Errorf("init fs checkpoint store: %w", err)
		}
		logger.Info("using filesystem checkpoint store", zap.String("dir", cfg.Checkpoints.Dir))
		return store, nil
	default:
		logger.Info("using in-memory checkpoint store")
		return checkpoint.NewMemoryStore(), nil
	}
}

func buildFingerprintStore(cfg config.Config, logger *zap.Logger) fingerprint.Store {
	switch cfg.Fingerprints.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Fingerprints.RedisAddr,
			Password: cfg.Fingerprints.RedisPassword,
			DB:       cfg.Fingerprints.RedisDB,
		})
		logger.Info("using redis fingerprint store", zap.String("addr", cfg.Fingerprints.RedisAddr))
		return fingerprint.NewRedisStore(client, "crawlcore")
	default:
		logger.Info("using in-memory fingerprint store")
		return fingerprint.NewMemoryStore()
	}
}
