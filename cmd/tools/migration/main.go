package main

import (
	"context"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/uplinkd/internal/faults/postgres"
)

type Config struct {
	PostgresDSN string        `envconfig:"POSTGRES_DSN"`
	Timeout     time.Duration `envconfig:"default=30s"`
}

func main() {
	_ = godotenv.Load()

	cfg := Config{}
	if err := envconfig.Init(&cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to init config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	repo, err := postgres.NewRepo(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer repo.Close()

	if err := repo.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("migration failed")
		return
	}
	log.Info().Msg("fault journal schema is up to date")
}
