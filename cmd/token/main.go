package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/auth"
	"github.com/seanblong/repoqa/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("repoqa-token", pflag.ExitOnError)
	subject := fs.String("subject", "repoqa-client", "Subject (sub claim) of the issued token")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	fs.Usage = cfg.Usage

	if cfg.Auth.JwtSecret == "" {
		log.Fatal().Msg("auth.jwtSecret must be set to issue tokens")
	}
	a, err := auth.New(auth.Config{
		Enabled:   true,
		JwtSecret: cfg.Auth.JwtSecret,
		Issuer:    cfg.Auth.Issuer,
		TTL:       cfg.Auth.TTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure auth")
	}

	token, err := a.GenerateToken(*subject)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to sign token")
	}
	fmt.Fprintln(os.Stdout, token)
}
