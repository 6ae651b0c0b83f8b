// Package indexer builds per-repository similarity indexes.
package indexer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/ai"
	"github.com/seanblong/repoqa/internal/ingest"
	"github.com/seanblong/repoqa/internal/store"
	"github.com/seanblong/repoqa/pkg/models"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers caps concurrent embedding requests.
const DefaultWorkers = 8

// BranchResolver finds the branch to clone when a build request names none.
type BranchResolver interface {
	ResolveDefaultBranch(ctx context.Context, repoURL string) string
}

// Cloner checks out a single branch of a repository into dest.
type Cloner interface {
	Clone(ctx context.Context, repoURL, branch, dest string) error
}

// DocumentLoader reads the documents of a checked out repository.
type DocumentLoader interface {
	Load(root string) ([]ingest.Document, error)
}

// Indexer handles indexing of remote repositories.
type Indexer struct {
	Resolver BranchResolver
	Cloner   Cloner
	Loader   DocumentLoader
	Store    store.IndexStore
	Client   ai.Client
	RepoDir  string
	Workers  int

	locksOnce sync.Once
	locks     *KeyedMutex
}

// New creates a new Indexer instance.
func New(resolver BranchResolver, cloner Cloner, loader DocumentLoader, s store.IndexStore, client ai.Client, repoDir string, workers int) *Indexer {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Indexer{
		Resolver: resolver,
		Cloner:   cloner,
		Loader:   loader,
		Store:    s,
		Client:   client,
		RepoDir:  repoDir,
		Workers:  workers,
		locks:    NewKeyedMutex(),
	}
}

// Build clones the repository, chunks and embeds its files, and replaces any
// previous index for the same repository.
func (ix *Indexer) Build(ctx context.Context, req models.BuildRequest) (models.BuildResponse, error) {
	if strings.TrimSpace(req.RepoURL) == "" {
		return models.BuildResponse{}, fmt.Errorf("%w: repo_url is required", models.ErrInvalidRequest)
	}
	size := req.ChunkSize
	if size == 0 {
		size = models.DefaultChunkSize
	}
	splitter, err := ingest.NewSplitter(size, req.Overlap())
	if err != nil {
		return models.BuildResponse{}, err
	}
	repo, err := models.RepoName(req.RepoURL)
	if err != nil {
		return models.BuildResponse{}, err
	}

	unlock := ix.lock(repo)
	defer unlock()

	start := time.Now()
	logger := log.With().Str("repo", repo).Logger()

	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		branch = ix.Resolver.ResolveDefaultBranch(ctx, req.RepoURL)
	}
	logger.Info().Str("url", req.RepoURL).Str("branch", branch).Msg("building index")

	dest := filepath.Join(ix.RepoDir, repo)
	if err := ix.Cloner.Clone(ctx, req.RepoURL, branch, dest); err != nil {
		return models.BuildResponse{}, err
	}
	cloned := time.Now()

	docs, err := ix.Loader.Load(dest)
	if err != nil {
		return models.BuildResponse{}, err
	}
	chunks, err := splitter.SplitDocuments(repo, branch, docs)
	if err != nil {
		return models.BuildResponse{}, err
	}
	logger.Info().
		Int("files", len(docs)).
		Int("chunks", len(chunks)).
		Dur("clone", cloned.Sub(start)).
		Msg("repository loaded")

	vectors, err := ix.embed(ctx, chunks)
	if err != nil {
		return models.BuildResponse{}, err
	}

	meta := models.IndexMeta{
		Repository: repo,
		Ref:        branch,
		Provider:   string(ix.Client.Provider()),
		EmbedModel: ix.Client.EmbedModel(),
		Dim:        len(vectors[0]),
		Chunks:     len(chunks),
		Files:      len(docs),
		BuiltAt:    time.Now().UTC(),
	}
	if err := ix.Store.Replace(ctx, meta, chunks, vectors); err != nil {
		return models.BuildResponse{}, fmt.Errorf("store index: %w", err)
	}

	logger.Info().
		Int("chunks", len(chunks)).
		Dur("took", time.Since(start)).
		Msg("index built")

	return models.BuildResponse{
		Status:    "success",
		Repo:      repo,
		IndexPath: ix.Store.Location(repo),
		Branch:    branch,
		Files:     len(docs),
		Chunks:    len(chunks),
	}, nil
}

// embed returns one vector per chunk, in chunk order.
func (ix *Indexer) embed(ctx context.Context, chunks []models.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers())
	log.Debug().Int("workers", ix.workers()).Int("chunks", len(chunks)).Msg("embedding chunks")

	for i := range chunks {
		g.Go(func() error {
			v, err := ix.Client.Embed(ctx, chunks[i].Content)
			if err != nil {
				return fmt.Errorf("embed %s: %w", chunks[i].Path, err)
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, v := range vectors {
		if len(v) == 0 || len(v) != len(vectors[0]) {
			return nil, fmt.Errorf("embed %s: got %d dimensions, want %d", chunks[i].Path, len(v), len(vectors[0]))
		}
	}
	return vectors, nil
}

func (ix *Indexer) workers() int {
	if ix.Workers <= 0 {
		return DefaultWorkers
	}
	return ix.Workers
}

func (ix *Indexer) lock(repo string) func() {
	ix.locksOnce.Do(func() {
		if ix.locks == nil {
			ix.locks = NewKeyedMutex()
		}
	})
	return ix.locks.Lock(repo)
}
