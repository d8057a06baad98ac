// Command server runs one federation role selected by configuration:
// shopping-agent, merchant-agent, merchant, credentials-provider,
// payment-network, or payment-processor.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ap2fed/server/internal/config"
	"github.com/ap2fed/server/internal/httpserver"
	"github.com/ap2fed/server/internal/logger"
	"github.com/ap2fed/server/pkg/ap2"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("AP2_CONFIG"), "path to YAML configuration")
	flag.Parse()

	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := bootstrapLogger()
		boot.Fatal().Err(err).Msg("configuration failed")
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     cfg.Role,
		Version:     version,
		Environment: cfg.Logging.Environment,
	})

	app, err := ap2.NewApp(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("cleanup failed")
		}
	}()

	srv := httpserver.New(app.HTTPOptions(log))

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("role", cfg.Role).
			Str("did", cfg.Identity.DID).
			Str("address", cfg.Server.Address).
			Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}

// version is stamped at build time via -ldflags.
var version = "dev"

// bootstrapLogger covers failures before the configured logger exists.
func bootstrapLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
