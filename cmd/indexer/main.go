package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/app"
	"github.com/seanblong/repoqa/internal/config"
	"github.com/seanblong/repoqa/pkg/models"
	"github.com/spf13/pflag"
)

func main() {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("repoqa-indexer", pflag.ExitOnError)
	repoURL := fs.String("repo-url", "", "Repository to index (or pass it as the first argument)")
	branch := fs.String("branch", "", "Branch to index; resolved from the remote HEAD when empty")
	chunkSize := fs.Int("chunk-size", models.DefaultChunkSize, "Maximum chunk size in characters")
	chunkOverlap := fs.Int("chunk-overlap", models.DefaultChunkOverlap, "Characters shared by consecutive chunks")

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
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	url := *repoURL
	if url == "" && fs.NArg() > 0 {
		url = fs.Arg(0)
	}
	if url == "" {
		fs.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise services")
	}
	defer svc.Close()

	resp, err := svc.Indexer.Build(ctx, models.BuildRequest{
		RepoURL:      url,
		Branch:       *branch,
		ChunkSize:    *chunkSize,
		ChunkOverlap: chunkOverlap,
	})
	if err != nil {
		log.Error().Err(err).Str("repo_url", url).Msg("build failed")
		svc.Close()
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		log.Fatal().Err(err).Msg("failed to write result")
	}
}
