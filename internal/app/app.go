// Package app wires configuration into the clients, stores and services
// shared by the commands.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/ai"
	"github.com/seanblong/repoqa/internal/config"
	"github.com/seanblong/repoqa/internal/gitrepo"
	"github.com/seanblong/repoqa/internal/indexer"
	"github.com/seanblong/repoqa/internal/ingest"
	"github.com/seanblong/repoqa/internal/search"
	"github.com/seanblong/repoqa/internal/store"
)

// ClientConfig maps the provider settings onto an ai.ClientConfig.
func ClientConfig(cfg config.Specification) (*ai.ClientConfig, error) {
	provider, err := ai.ParseProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	return &ai.ClientConfig{
		Provider:    provider,
		APIKey:      cfg.APIKey,
		EmbedModel:  cfg.EmbedModel,
		ChatModel:   cfg.ChatModel,
		Dim:         cfg.Dim,
		ProjectID:   cfg.ProjectID,
		Location:    cfg.Location,
		BaseURL:     cfg.BaseURL,
		ChatBaseURL: cfg.ChatBaseURL,
		ChatAPIKey:  cfg.ChatAPIKey,
	}, nil
}

// OpenStore opens the configured index backend. dim sizes the vector column
// of the postgres backend.
func OpenStore(ctx context.Context, cfg config.Specification, dim int) (store.IndexStore, error) {
	switch cfg.IndexBackend {
	case "postgres":
		st, err := store.NewPGStore(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if err := st.Migrate(ctx, dim); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return st, nil
	default:
		return store.NewBoltStore(cfg.IndexDir)
	}
}

// Services holds everything a command needs to build and query indexes.
type Services struct {
	Client  ai.Client
	Store   store.IndexStore
	Indexer *indexer.Indexer
	Search  *search.Service
}

func (s *Services) Close() error {
	return s.Store.Close()
}

// New creates the AI client, opens the store and builds the services on top.
func New(ctx context.Context, cfg config.Specification) (*Services, error) {
	cc, err := ClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := ai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create AI client: %w", err)
	}
	log.Info().
		Str("provider", string(client.Provider())).
		Str("embed_model", client.EmbedModel()).
		Int("embedding_dim", client.Dim()).
		Msg("AI client initialized")

	st, err := OpenStore(ctx, cfg, client.Dim())
	if err != nil {
		return nil, err
	}

	ix := indexer.New(
		gitrepo.NewResolver(cfg.DefaultBranch, cfg.ResolveTimeout, cfg.ListBranchesFallback),
		gitrepo.NewCloner(cfg.GithubToken),
		ingest.NewLoader(cfg.SkipArtifacts),
		st,
		client,
		cfg.RepoDir,
		cfg.EmbedWorkers,
	)
	return &Services{
		Client:  client,
		Store:   st,
		Indexer: ix,
		Search:  search.NewService(client, st),
	}, nil
}
