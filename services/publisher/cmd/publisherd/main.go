package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"syncd/pkg/bus"
	"syncd/pkg/credential"
	"syncd/pkg/db"
	gos3 "syncd/pkg/s3"
	"syncd/pkg/signing"
	"syncd/pkg/telemetry"
	"syncd/services/publisher"
	"syncd/services/publisher/internal/config"
	"syncd/services/publisher/migrations"
)

func main() {
	if err := run("publisher"); err != nil {
		log.Fatal().Err(err).Msg("publisher exited")
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName, telemetry.Options{
		Endpoint: cfg.OTLPEndpoint,
		Level:    cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, migrations.All()...); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	orm, err := db.OpenORM(pool)
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	var blobs publisher.BlobStore
	if cfg.S3.Enabled() {
		client, err := gos3.NewClient(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
		blobs = client
	}

	var (
		events   publisher.EventPublisher
		eventBus *bus.Bus
	)
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		events = eventBus
	}

	var nonces signing.NonceStore = signing.NewMemoryNonces(100_000, signing.DefaultWindow)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if nonces, err = signing.NewRedisNonces(rdb, ""); err != nil {
			return err
		}
	}

	creds, err := credential.NewStore(orm)
	if err != nil {
		return err
	}
	registry, err := publisher.NewRegistry(orm, blobs, events, logger, publisher.RegistryConfig{
		BaseURL:    cfg.PublicURL,
		PresignTTL: cfg.PresignTTL,
	})
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}
	directory, err := publisher.NewDirectory(orm, creds)
	if err != nil {
		return fmt.Errorf("init consumer directory: %w", err)
	}

	var (
		queue      publisher.Queue
		startQueue func(publisher.ProcessFunc) (io.Closer, error)
		staleAfter time.Duration
	)
	if eventBus != nil {
		busQueue, err := publisher.NewBusQueue(eventBus, "")
		if err != nil {
			return err
		}
		queue = busQueue
		staleAfter = cfg.StaleAfter
		startQueue = func(process publisher.ProcessFunc) (io.Closer, error) {
			return busQueue.Start(ctx, process)
		}
	} else {
		localQueue := publisher.NewLocalQueue(cfg.QueueSize, logger)
		queue = localQueue
		startQueue = func(process publisher.ProcessFunc) (io.Closer, error) {
			go localQueue.Run(ctx, process)
			return stopFunc(func() error { return nil }), nil
		}
	}

	orchestrator, err := publisher.NewOrchestrator(orm, registry, directory, queue,
		telemetry.NewHTTPClient(cfg.DeliveryTimeout), events, logger)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	worker, err := startQueue(orchestrator.Process)
	if err != nil {
		return fmt.Errorf("start deployment worker: %w", err)
	}
	defer worker.Close()
	if err := orchestrator.Recover(ctx, staleAfter); err != nil {
		return fmt.Errorf("recover deployments: %w", err)
	}

	feed, err := publisher.NewPoolFeed(pool)
	if err != nil {
		return err
	}

	api, err := publisher.New(publisher.Services{
		Registry:     registry,
		Consumers:    directory,
		Orchestrator: orchestrator,
		Feed:         feed,
		Nonces:       nonces,
	}, publisher.Config{
		AdminToken:     cfg.AdminToken,
		AllowedOrigins: cfg.AllowedOrigins,
		Ready: func(ctx context.Context) error {
			if err := db.Ping(ctx, pool); err != nil {
				return err
			}
			if eventBus != nil && !eventBus.Connected() {
				return errors.New("nats disconnected")
			}
			return nil
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	routes, err := api.Routes()
	if err != nil {
		return err
	}
	if cfg.AdminToken == "" {
		logger.Warn().Msg("ADMIN_TOKEN not set; operator endpoints are disabled")
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", server.Addr).Msg("listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type stopFunc func() error

func (f stopFunc) Close() error { return f() }
