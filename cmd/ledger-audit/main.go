// Command ledger-audit replays every account's balance_after chain once and
// exits non-zero when any account disagrees with its ledger.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carelink/carelink-api/internal/config"
	"github.com/carelink/carelink-api/internal/domain/credit"
	"github.com/carelink/carelink-api/internal/pkg/database"
	"github.com/carelink/carelink-api/internal/pkg/logger"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Minute, "overall sweep deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, LogFile: cfg.LogFile}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise logger")
	}

	db, err := database.NewPostgres(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	summary, err := credit.NewAuditor(credit.NewRepository(db)).Sweep(ctx)
	cancel()
	database.ClosePostgres(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Ledger audit failed")
	}

	for _, id := range summary.Inconsistent {
		log.Warn().Str("user_id", id.String()).Msg("Ledger chain inconsistent")
	}
	log.Info().
		Int("accounts", summary.Accounts).
		Int("inconsistent", len(summary.Inconsistent)).
		Msg("Ledger audit finished")

	if len(summary.Inconsistent) > 0 {
		os.Exit(1)
	}
}
