// Package store persists per-repository similarity indexes.
package store

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/seanblong/repoqa/pkg/models"
)

// ErrIndexNotFound is returned when no index exists for a repository.
var ErrIndexNotFound = errors.New("Index not found. Please build first.")

// IndexStore defines the methods an index backend must implement.
type IndexStore interface {
	Exists(ctx context.Context, repository string) (bool, error)
	// Replace swaps the repository's index for the given chunks. vectors[i]
	// is the embedding of chunks[i].
	Replace(ctx context.Context, meta models.IndexMeta, chunks []models.Chunk, vectors [][]float32) error
	Meta(ctx context.Context, repository string) (models.IndexMeta, error)
	Search(ctx context.Context, repository string, vec []float32, k int) ([]models.SearchResult, error)
	Location(repository string) string
	Close() error
}

func checkReplaceArgs(meta models.IndexMeta, chunks []models.Chunk, vectors [][]float32) error {
	if meta.Repository == "" {
		return errors.New("index meta has no repository")
	}
	if len(chunks) != len(vectors) {
		return errors.New("chunk and vector counts differ")
	}
	return nil
}

// CosineSimilarity computes the cosine similarity between two vectors
// Returns a value between -1 and 1, where 1 means identical direction
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rank returns the k best results, highest score first. Ties keep
// insertion order.
func rank(results []models.SearchResult, k int) []models.SearchResult {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if k > 0 && k < len(results) {
		results = results[:k]
	}
	return results
}
