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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/api"
	"github.com/seanblong/repoqa/internal/app"
	"github.com/seanblong/repoqa/internal/auth"
	"github.com/seanblong/repoqa/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("repoqa-api", pflag.ExitOnError)
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	log.Logger = logger

	logger.Info().
		Str("provider", cfg.Provider).
		Str("index_backend", cfg.IndexBackend).
		Str("log_level", cfg.LogLevel).
		Bool("auth_enabled", cfg.Auth.Enabled).
		Msg("starting repoqa api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise services")
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close store")
		}
	}()

	authn, err := auth.New(auth.Config{
		Enabled:   cfg.Auth.Enabled,
		JwtSecret: cfg.Auth.JwtSecret,
		Issuer:    cfg.Auth.Issuer,
		TTL:       cfg.Auth.TTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure auth")
	}
	if authn.Enabled() {
		logger.Info().Msg("authentication is ENABLED")
	} else {
		logger.Info().Msg("authentication is DISABLED - running in open mode")
	}

	server := api.NewServer(svc.Indexer, svc.Search, authn, api.CORSConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowAnyOrigin: cfg.AllowAnyOrigin,
	}, logger)

	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.Addr).Msg("api server listening")
		errCh <- s.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
}
