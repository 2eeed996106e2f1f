package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossy-p/livestore-signaling/config"
	"github.com/mossy-p/livestore-signaling/internal/app"
	"github.com/mossy-p/livestore-signaling/internal/log"
)

func main() {
	configPath := flag.String("config", "", "path to livestore.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.New("info").Fatal().Err(err).Msg("failed to load config")
	}
	logger := log.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize server")
	}

	if err := application.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server stopped")
}
