package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tonieflash/flash-console/internal/config"
	"github.com/tonieflash/flash-console/internal/server"
	"github.com/tonieflash/flash-console/pkg/crypto"
)

func main() {
	// Command line flags
	var configFile string
	var validateOnly bool
	flag.StringVar(&configFile, "config", "config/console-server.yml", "Configuration file path")
	flag.BoolVar(&validateOnly, "validate", false, "Validate the configuration and exit")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if validateOnly {
		cfg.PrintConfigSummary()
		return
	}

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, ok := cfg.LogLevel()
	if !ok {
		log.Warn().Str("level", cfg.Log.Level).Msg("Unknown log level, using info")
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Auth.Enabled && cfg.JWT.Secret == "" {
		secret, err := crypto.GenerateRandomString(32)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to generate JWT secret")
		}
		cfg.JWT.Secret = secret
		log.Warn().Msg("No JWT secret configured, tokens will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	console, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start flash console")
	}
	defer console.Close()

	log.Info().Str("addr", cfg.APIAddr()).Msg("Starting REST API server")
	if err := console.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Flash console stopped with error")
		return
	}

	log.Info().Msg("Flash console stopped")
}
