package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ragline/ragline/internal/breaker"
	"github.com/ragline/ragline/internal/bus"
	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/dispatch"
	"github.com/ragline/ragline/internal/dlq"
	"github.com/ragline/ragline/internal/logger"
	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/outbox"
	"github.com/ragline/ragline/internal/push"
	"github.com/ragline/ragline/internal/registry"
	"github.com/ragline/ragline/internal/schema"
	"github.com/ragline/ragline/internal/security"
	transport "github.com/ragline/ragline/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}
	if cfg.LogFormat != "" {
		_ = os.Setenv("LOG_FORMAT", cfg.LogFormat)
	}
	logger.Init()
	log := zlog.With().Str("service", "ragline").Str("env", cfg.AppEnv).Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open failed")
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	// ---- Redis Streams bus ----
	streamBus, err := bus.Dial(cfg.RedisURL, cfg.BusOpTimeout, cfg.StreamRetention)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect failed")
	}
	defer streamBus.Close()
	log.Info().Msg("redis connected")

	// ---- Core components ----
	m := metrics.New()
	schemas := schema.Default()
	reg := registry.New(m)
	verifier := security.NewHS256Verifier(cfg.JWTSecret, cfg.JWTIssuer)
	store := outbox.NewPgStore(db, cfg.DBQueryTimeout)

	hostname, _ := os.Hostname()
	worker := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	reader := outbox.NewReader(store, streamBus, schemas, m, outbox.ReaderConfig{
		Worker:       worker,
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		Visibility:   cfg.OutboxVisibilityTimeout,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		RetryBase:    cfg.RetryBase,
		RetryCap:     cfg.RetryCap,
	})
	sweeper := outbox.NewSweeper(store, streamBus, cfg.OutboxSweepInterval, cfg.OutboxRetention)

	dispatcher := dispatch.NewManager(streamBus, reg, m, dispatch.Config{
		AckPolicy:      cfg.AckPolicy,
		BatchSize:      int64(cfg.DispatcherBatch),
		Block:          cfg.DispatcherBlock,
		ClaimInterval:  cfg.StaleClaimInterval,
		ClaimMinIdle:   cfg.StaleClaimMinIdle,
		IdleShutdown:   cfg.DispatcherIdleTimeout,
		EnqueueTimeout: cfg.HandlerTimeout,
	})

	dlqManager := dlq.NewManager(streamBus, m, dlq.Config{
		CheckInterval:        cfg.DLQCheckInterval,
		DepthThreshold:       cfg.DLQDepthThreshold,
		OldestAgeThreshold:   cfg.DLQOldestThreshold,
		IngressThreshold:     int64(cfg.DLQIngressThreshold * cfg.DLQCheckInterval.Seconds()),
		MaxReprocessAttempts: cfg.DLQMaxReprocessTries,
	})

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureRatio: cfg.BreakerFailureRatio,
		MinSamples:   uint32(cfg.BreakerMinSamples),
		CoolDown:     cfg.BreakerCoolDown,
	}, m)

	pushHandlers := push.New(push.Options{
		Verifier:               verifier,
		Registry:               reg,
		Bus:                    streamBus,
		QueueCapacity:          cfg.PushQueueCapacity,
		Overflow:               cfg.PushOverflowPolicy,
		HeartbeatGeneral:       cfg.HeartbeatGeneral,
		HeartbeatOrders:        cfg.HeartbeatOrders,
		HeartbeatNotifications: cfg.HeartbeatNotifications,
	})

	rateLimit := 0
	if cfg.RLEnabled {
		rateLimit = cfg.RLLimit
	}
	router := transport.NewRouter(transport.RouterDeps{
		Push:               pushHandlers,
		Metrics:            m,
		DLQ:                dlqManager,
		Registry:           reg,
		Breakers:           breakers,
		DB:                 db,
		Bus:                streamBus,
		HandshakeRateLimit: rateLimit,
	})

	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     router,
		ReadTimeout: cfg.HTTPReadTimeout,
		// WriteTimeout stays zero: SSE and WS responses are long-lived.
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	g, gctx := errgroup.WithContext(rootCtx)

	runLoop := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("loop", name).Msg("loop exited")
				return err
			}
			return nil
		})
	}

	runLoop("outbox_reader", reader.Run)
	runLoop("outbox_sweeper", sweeper.Run)
	runLoop("dispatcher", dispatcher.Run)
	runLoop("dlq_monitor", dlqManager.Run)

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("service exited with error")
	}
	log.Info().Msg("shutdown complete")
}
