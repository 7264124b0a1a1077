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

	"verdict/internal/database/boltstore"
	"verdict/internal/database/sqlitestore"
	"verdict/internal/handlers"
	"verdict/internal/metrics"
	"verdict/internal/moderation"
	"verdict/internal/relay"
	"verdict/internal/routing"
	"verdict/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configureLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stdout)

	log.Info().Msg("Starting verdict moderation engine")

	cfg, err := loadEnv(os.Getenv)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Shutdown complete")
}

// configureLogging sets the global zerolog level and output.
// Pretty console logging in development, JSON in production.
func configureLogging(level, format string, out io.Writer) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func run(ctx context.Context, cfg envConfig) error {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		tp, err := tracing.Init(ctx)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		log.Info().Msg("Tracing enabled")
	}

	engineCfg, err := moderation.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return err
	}

	cache, audit, closeStore, err := openStore(ctx, cfg.DBBackend, cfg.DBPath)
	if err != nil {
		return err
	}
	defer closeStore()
	log.Info().Str("backend", cfg.DBBackend).Str("path", cfg.DBPath).Msg("Database opened")

	relayCfg := relay.DefaultConfig()
	relayCfg.Endpoints = cfg.Relays
	client, err := relay.NewClient(relayCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	coordinator, err := moderation.NewCoordinator(engineCfg,
		moderation.WithEventSource(client),
		moderation.WithCache(cache),
		moderation.WithAuditLog(audit),
	)
	if err != nil {
		return err
	}
	defer coordinator.Close()

	if err := coordinator.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore persisted state, starting fresh")
	}
	if err := subscribe(ctx, coordinator, cfg); err != nil {
		return err
	}

	metrics.StartCollector(ctx, metrics.StatsSource{
		ReportTargets:      coordinator.Reports().TargetCount,
		LabelSets:          coordinator.Labels().SetSize,
		PersonalMuteOwners: coordinator.Mutes().PersonalOwners,
		UnavailableSources: func() int { return len(coordinator.Stats().Unavailable) },
		OpenRelayConns:     client.OpenSubscriptions,
	}, 30*time.Second)

	handler := routing.SetupRouter(routing.Config{
		Handlers: handlers.NewHandler(coordinator),
		Logger:   log.Logger,
	})

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("address", srv.Addr).
			Strs("relays", cfg.Relays).
			Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// subscribe applies the subscriptions named in the environment on top of any
// restored ones. A full labeler or mute-list set is logged, not fatal.
func subscribe(ctx context.Context, c *moderation.Coordinator, cfg envConfig) error {
	if len(cfg.Reporters) > 0 {
		c.SubscribeToNetworkReports(ctx, cfg.Reporters)
	}

	var capErr *moderation.CapacityError
	for _, pk := range cfg.Labelers {
		if err := c.SubscribeToLabeler(ctx, pk); err != nil {
			if errors.As(err, &capErr) {
				log.Warn().Err(err).Str("labeler", pk).Msg("Skipping labeler")
				continue
			}
			return err
		}
	}
	for _, pk := range cfg.MuteLists {
		if err := c.SubscribeToMuteList(ctx, pk); err != nil {
			if errors.As(err, &capErr) {
				log.Warn().Err(err).Str("owner", pk).Msg("Skipping mute list")
				continue
			}
			return err
		}
	}

	stats := c.Stats()
	log.Info().
		Int("reporters", len(cfg.Reporters)).
		Int("labelers", len(stats.Labelers)).
		Int("mute_lists", len(stats.MuteLists)).
		Msg("Subscriptions configured")
	return nil
}

// openStore opens the configured cache backend and returns a close function
func openStore(ctx context.Context, backend, path string) (moderation.Cache, moderation.AuditLog, func(), error) {
	switch backend {
	case "sqlite":
		db, err := sqlitestore.Open(ctx, path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open database at %s: %w", path, err)
		}
		return sqlitestore.NewCacheStore(db), sqlitestore.NewModerationStore(db), func() { db.Close() }, nil
	default:
		store, err := boltstore.Open(boltstore.Options{Path: path})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open database at %s: %w", path, err)
		}
		return store.CacheStore(), store.ModerationStore(), func() { store.Close() }, nil
	}
}
