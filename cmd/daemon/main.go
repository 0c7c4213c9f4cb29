// SPDX-License-Identifier: AGPL-3.0-or-later

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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mxbridge/twidm/internal/appservice"
	"github.com/mxbridge/twidm/internal/bridge/portal"
	"github.com/mxbridge/twidm/internal/bridge/puppet"
	"github.com/mxbridge/twidm/internal/bridge/user"
	"github.com/mxbridge/twidm/internal/cache"
	"github.com/mxbridge/twidm/internal/config"
	"github.com/mxbridge/twidm/internal/log"
	"github.com/mxbridge/twidm/internal/persistence/sqlite"
	"github.com/mxbridge/twidm/internal/store"
	"github.com/mxbridge/twidm/internal/telemetry"
	"github.com/mxbridge/twidm/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	registrationPath := flag.String("generate-registration", "", "write the appservice registration YAML to this path and exit")
	verifyDB := flag.String("verify-db", "", "check the sqlite store for corruption ('quick' or 'full') and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Report())
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "twidm",
		Version: version.Version,
	})
	logger := log.WithComponent("daemon")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	if cfg.Logging.Level != "" {
		log.SetLevel(cfg.Logging.Level)
	}

	if *verifyDB != "" {
		if cfg.Store.Backend != "sqlite" {
			logger.Fatal().
				Str("backend", cfg.Store.Backend).
				Msg("-verify-db only applies to the sqlite store backend")
		}
		problems, err := sqlite.VerifyIntegrity(cfg.Store.Path, *verifyDB)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("integrity check could not run")
		}
		if len(problems) > 0 {
			for _, problem := range problems {
				logger.Error().Str("finding", problem).Msg("store corruption detected")
			}
			os.Exit(1)
		}
		logger.Info().Str("path", cfg.Store.Path).Msg("store integrity ok")
		os.Exit(0)
	}

	if *registrationPath != "" {
		reg := config.NewRegistration(&cfg)
		if err := config.WriteRegistration(reg, *registrationPath); err != nil {
			logger.Fatal().Err(err).Msg("failed to write registration")
		}
		logger.Info().
			Str("path", *registrationPath).
			Msg("appservice registration written")
		os.Exit(0)
	}

	if cfg.Appservice.ASToken == "" || cfg.Appservice.HSToken == "" {
		logger.Fatal().
			Str("event", "config.tokens_missing").
			Msg("as_token and hs_token must be set; run with -generate-registration first")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Service-level banner, no component field.
	baseLogger := log.Base()
	baseLogger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.Appservice.Listen).
		Msg("starting twidm")

	if err := run(ctx, cfg, *configPath); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Str("event", "shutdown.complete").Msg("twidm stopped")
}

func run(ctx context.Context, cfg config.Config, configPath string) error {
	logger := log.WithComponent("daemon")

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "twidm",
		ServiceVersion: version.Version,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	db, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn().Err(err).Msg("store close failed")
		}
	}()

	profiles := openCache(cfg, logger)

	holder := config.NewHolder(cfg, configPath)
	if configPath != "" {
		go func() {
			if err := holder.Watch(ctx); err != nil {
				logger.Warn().Err(err).Msg("config watch failed")
			}
		}()
	}

	as := appservice.NewClient(cfg.Homeserver.Address, cfg.Appservice.ASToken, log.WithComponent("intent"))
	puppets := puppet.NewManager(cfg, db, profiles, as)
	portals := portal.NewManager(cfg, db, as, puppets)
	users, err := user.NewManager(cfg, db, portals, puppets)
	if err != nil {
		return err
	}

	srv := appservice.NewServer(appservice.ServerConfig{HSToken: cfg.Appservice.HSToken}, users)
	asServer := &http.Server{
		Addr:              cfg.Appservice.Listen,
		Handler:           otelhttp.NewHandler(srv.Router(), "appservice"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	cfgUpdates := make(chan config.Config, 1)
	holder.Subscribe(cfgUpdates)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case newCfg := <-cfgUpdates:
				users.ApplyConfig(newCfg)
			}
		}
	})

	g.Go(func() error {
		logger.Info().
			Str("event", "appservice.listen").
			Str("addr", asServer.Addr).
			Msg("appservice listener started")
		if err := asServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("appservice server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info().
			Str("event", "metrics.listen").
			Str("addr", metricsServer.Addr).
			Msg("metrics listener started")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return users.StartupConnect(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Str("event", "shutdown.begin").Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users.StopAll(shutdownCtx)
		if err := asServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("appservice shutdown failed")
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics shutdown failed")
		}
		return nil
	})

	return g.Wait()
}

// openCache picks the profile cache backend: Redis when configured and
// reachable, in-memory otherwise.
func openCache(cfg config.Config, logger zerolog.Logger) cache.Cache {
	if cfg.Cache.RedisAddr == "" {
		return cache.NewMemoryCache(time.Minute)
	}
	redis, err := cache.NewRedisCache(cache.RedisConfig{
		Addr: cfg.Cache.RedisAddr,
		DB:   cfg.Cache.RedisDB,
	}, log.WithComponent("cache"))
	if err != nil {
		logger.Warn().
			Err(err).
			Str("addr", cfg.Cache.RedisAddr).
			Msg("redis unavailable, falling back to in-memory cache")
		return cache.NewMemoryCache(time.Minute)
	}
	logger.Info().Str("addr", cfg.Cache.RedisAddr).Msg("redis profile cache connected")
	return redis
}
