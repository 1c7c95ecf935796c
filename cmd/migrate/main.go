// Command migrate applies the embedded schema migrations to DATABASE_URL.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carelink/carelink-api/internal/config"
	"github.com/carelink/carelink-api/internal/pkg/database"
	"github.com/carelink/carelink-api/internal/pkg/logger"
	"github.com/carelink/carelink-api/migrations"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "overall migration deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, LogFile: cfg.LogFile}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise logger")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	db, err := database.NewPostgres(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	applied, err := migrations.Apply(ctx, db)
	cancel()
	database.ClosePostgres(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}

	log.Info().Int("applied", len(applied)).Msg("Migrations up to date")
}
