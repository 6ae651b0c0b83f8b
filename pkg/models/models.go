package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRequest marks errors caused by bad caller input.
var ErrInvalidRequest = errors.New("invalid request")

const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
	DefaultK            = 5
	MaxK                = 50
)

type Chunk struct {
	ID         string `json:"id"`
	Repository string `json:"repository"`
	Ref        string `json:"ref"`
	Path       string `json:"path"`
	Language   string `json:"language"`
	Content    string `json:"content"`
	Index      int    `json:"index"`
}

type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// IndexMeta describes a persisted index and the embedding space it was built in.
type IndexMeta struct {
	Repository string    `json:"repository"`
	Ref        string    `json:"ref"`
	Provider   string    `json:"provider"`
	EmbedModel string    `json:"embed_model"`
	Dim        int       `json:"dim"`
	Chunks     int       `json:"chunks"`
	Files      int       `json:"files"`
	BuiltAt    time.Time `json:"built_at"`
}

type BuildRequest struct {
	RepoURL      string `json:"repo_url"`
	Branch       string `json:"branch,omitempty"`
	ChunkSize    int    `json:"chunk_size,omitempty"`
	ChunkOverlap *int   `json:"chunk_overlap,omitempty"`
}

// Overlap returns the requested chunk overlap or the default when unset.
func (r BuildRequest) Overlap() int {
	if r.ChunkOverlap == nil {
		return DefaultChunkOverlap
	}
	return *r.ChunkOverlap
}

type BuildResponse struct {
	Status    string `json:"status"`
	Repo      string `json:"repo"`
	IndexPath string `json:"index_path"`
	Branch    string `json:"branch,omitempty"`
	Files     int    `json:"files"`
	Chunks    int    `json:"chunks"`
}

type QueryRequest struct {
	RepoURL  string `json:"repo_url"`
	Question string `json:"question"`
	K        int    `json:"k,omitempty"`
}

type QueryResponse struct {
	Answer       string   `json:"answer"`
	SourceChunks []string `json:"source_chunks"`
}

// RepoName derives the storage identity of a repository from its URL: the
// final path segment with trailing slashes and dots removed and its last
// extension stripped. "https://example.com/org/sample.git/" becomes "sample".
func RepoName(repoURL string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(repoURL), "/.")
	name := trimmed
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	// scp-style remotes without a path: git@host:repo.git
	if i := strings.LastIndex(name, ":"); i >= 0 && !strings.Contains(trimmed, "/") {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: cannot derive repository name from %q", ErrInvalidRequest, repoURL)
	}
	return name, nil
}
