// Package search answers questions against a built repository index.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/ai"
	"github.com/seanblong/repoqa/internal/store"
	"github.com/seanblong/repoqa/pkg/models"
)

// ErrEmbeddingMismatch is returned when an index was built with a different
// embedding model than the one currently configured.
var ErrEmbeddingMismatch = errors.New("index was built with a different embedding model")

const promptTemplate = `You are a helpful assistant with knowledge of the following GitHub repo.

Context:
%s

Based on the context above, answer this question:
%s`

type Service struct {
	Client ai.Client
	Store  store.IndexStore
}

// NewService creates a new search service with the provided AI client and store
func NewService(client ai.Client, store store.IndexStore) *Service {
	return &Service{
		Client: client,
		Store:  store,
	}
}

// BuildPrompt renders the question and retrieved context into the prompt
// sent to the chat model.
func BuildPrompt(context, question string) string {
	return fmt.Sprintf(promptTemplate, context, question)
}

// Query retrieves the k chunks closest to the question and asks the chat
// model to answer from them.
func (s *Service) Query(ctx context.Context, req models.QueryRequest) (models.QueryResponse, error) {
	if strings.TrimSpace(req.Question) == "" {
		return models.QueryResponse{}, fmt.Errorf("%w: question is required", models.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		return models.QueryResponse{}, fmt.Errorf("%w: repo_url is required", models.ErrInvalidRequest)
	}
	k, err := clampK(req.K)
	if err != nil {
		return models.QueryResponse{}, err
	}
	repo, err := models.RepoName(req.RepoURL)
	if err != nil {
		return models.QueryResponse{}, err
	}

	meta, err := s.Store.Meta(ctx, repo)
	if err != nil {
		return models.QueryResponse{}, err
	}
	if err := s.checkModel(meta); err != nil {
		return models.QueryResponse{}, err
	}

	vec, err := s.Client.Embed(ctx, req.Question)
	if err != nil {
		return models.QueryResponse{}, err
	}
	if len(vec) != meta.Dim {
		return models.QueryResponse{}, fmt.Errorf("%w: index has %d dimensions, question embedding has %d; rebuild the index",
			ErrEmbeddingMismatch, meta.Dim, len(vec))
	}
	results, err := s.Store.Search(ctx, repo, vec, k)
	if err != nil {
		return models.QueryResponse{}, err
	}

	contents := make([]string, 0, len(results))
	sources := make([]string, 0, len(results))
	for _, r := range results {
		contents = append(contents, r.Chunk.Content)
		sources = append(sources, r.Chunk.Path)
	}

	log.Debug().Str("repo", repo).Int("k", k).Int("hits", len(results)).Msg("retrieved context")

	answer, err := s.Client.Generate(ctx, BuildPrompt(strings.Join(contents, "\n\n"), req.Question))
	if err != nil {
		return models.QueryResponse{}, err
	}
	return models.QueryResponse{Answer: answer, SourceChunks: sources}, nil
}

func (s *Service) checkModel(meta models.IndexMeta) error {
	provider, model := string(s.Client.Provider()), s.Client.EmbedModel()
	if meta.Provider == provider && meta.EmbedModel == model {
		return nil
	}
	return fmt.Errorf("%w: index has %s/%s, client has %s/%s; rebuild the index",
		ErrEmbeddingMismatch, meta.Provider, meta.EmbedModel, provider, model)
}

func clampK(k int) (int, error) {
	switch {
	case k == 0:
		return models.DefaultK, nil
	case k < 0:
		return 0, fmt.Errorf("%w: k must be positive, got %d", models.ErrInvalidRequest, k)
	case k > models.MaxK:
		return models.MaxK, nil
	}
	return k, nil
}
