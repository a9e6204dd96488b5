package main

import (
	"context"
	"errors"
	"fmt"
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
	"syncd/pkg/signing"
	"syncd/pkg/telemetry"
	"syncd/services/consumer"
	"syncd/services/consumer/internal/config"
	"syncd/services/consumer/migrations"
)

func main() {
	if err := run("consumer"); err != nil {
		log.Fatal().Err(err).Msg("consumer exited")
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

	var (
		events   consumer.EventPublisher
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
	if cfg.Publisher.Enabled() {
		if _, err := creds.Put(ctx, credential.Credential{
			Token:   cfg.Publisher.Token,
			Secret:  cfg.Publisher.Secret,
			PeerURL: cfg.Publisher.URL,
			Label:   "publisher",
		}); err != nil {
			return fmt.Errorf("seed publisher credential: %w", err)
		}
	}

	var relocator consumer.AssetRelocator = consumer.NopRelocator{}
	if cfg.Relocate.Enabled() {
		prefix, err := consumer.NewPrefixRelocator(cfg.Relocate.From, cfg.Relocate.To)
		if err != nil {
			return fmt.Errorf("init relocator: %w", err)
		}
		relocator = prefix
	}

	locks := consumer.NewKeyedLocks()
	engine, err := consumer.NewEngine(orm, locks, relocator, events, logger)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	rollbacks, err := consumer.NewRollbackManager(orm, locks, events, logger)
	if err != nil {
		return fmt.Errorf("init rollback manager: %w", err)
	}
	fetcher, err := consumer.NewFetcher(telemetry.NewHTTPClient(cfg.FetchTimeout), creds)
	if err != nil {
		return err
	}
	puller, err := consumer.NewPuller(orm, engine, fetcher, consumer.PullerConfig{
		Interval:   cfg.Pull.Interval,
		InstallNew: cfg.Pull.InstallNew,
	}, logger)
	if err != nil {
		return err
	}
	if cfg.Pull.Interval > 0 {
		go func() {
			if err := puller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("puller stopped")
			}
		}()
	}

	api, err := consumer.New(consumer.Services{
		Engine:      engine,
		Rollbacks:   rollbacks,
		Fetcher:     fetcher,
		Puller:      puller,
		Credentials: creds,
		Nonces:      nonces,
	}, consumer.Config{
		AdminToken:    cfg.AdminToken,
		RegisterLimit: cfg.RegisterLimit,
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
