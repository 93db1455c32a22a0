// Command telehealth serves the realtime consultation API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"telehealth/internal/app"
	"telehealth/internal/config"
	"telehealth/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv("TELEHEALTH_CONFIG_FILE")); err != nil {
		log.Fatal().Err(err).Msg("telehealth exited")
	}
}

// run loads configuration, starts the application and blocks until ctx is
// cancelled, then shuts down within the configured timeout.
func run(ctx context.Context, configPath string) error {
	// STEP 1: configuration (file > env > defaults)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// STEP 2: logging and framework mode
	logger.Setup(cfg.Log.Level, cfg.Log.Pretty)
	gin.SetMode(cfg.HTTP.GinMode)

	// STEP 3: build and start
	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		_ = application.Stop(stopCtx)
		return fmt.Errorf("failed to start application: %w", err)
	}

	// STEP 4: wait for a shutdown signal
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
