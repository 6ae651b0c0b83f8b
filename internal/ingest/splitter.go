package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/pkg/models"
	"github.com/tmc/langchaingo/textsplitter"
)

// ErrNoChunks is returned when splitting produced nothing to index.
var ErrNoChunks = errors.New("No chunks generated.")

// ErrInvalidChunking is returned for a chunk size or overlap the splitter
// cannot work with.
var ErrInvalidChunking = errors.New("invalid chunking")

const DefaultSeparator = "\n\n"

// Splitter cuts text on Separator and greedily packs the pieces back into
// chunks of at most ChunkSize characters. Consecutive chunks share up to
// ChunkOverlap characters of trailing pieces. A single piece longer than
// ChunkSize is emitted on its own.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separator    string
}

// NewSplitter validates the sizing and returns a Splitter.
func NewSplitter(size, overlap int) (Splitter, error) {
	if size <= 0 {
		return Splitter{}, fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, size)
	}
	if overlap < 0 {
		return Splitter{}, fmt.Errorf("%w: chunk_overlap must not be negative, got %d", ErrInvalidChunking, overlap)
	}
	if overlap > size {
		return Splitter{}, fmt.Errorf("%w: chunk_overlap (%d) is larger than chunk_size (%d)", ErrInvalidChunking, overlap, size)
	}
	return Splitter{ChunkSize: size, ChunkOverlap: overlap, Separator: DefaultSeparator}, nil
}

func (s Splitter) separator() string {
	if s.Separator == "" {
		return DefaultSeparator
	}
	return s.Separator
}

// Split returns the chunks of text.
func (s Splitter) Split(text string) []string {
	sep := s.separator()
	var pieces []string
	for _, p := range strings.Split(text, sep) {
		if p != "" {
			pieces = append(pieces, p)
		}
	}
	if len(pieces) == 0 {
		return nil
	}

	// A single separator keeps the merge to one level: pieces are packed
	// with sep and oversized pieces are returned as they are.
	ts := textsplitter.NewRecursiveCharacter(
		textsplitter.WithSeparators([]string{sep}),
		textsplitter.WithChunkSize(s.ChunkSize),
		textsplitter.WithChunkOverlap(s.ChunkOverlap),
		textsplitter.WithLenFunc(utf8.RuneCountInString),
	)
	merged, err := ts.SplitText(strings.Join(pieces, sep))
	if err != nil {
		log.Warn().Err(err).Msg("text splitter failed")
		return nil
	}

	var out []string
	for _, doc := range merged {
		doc = strings.TrimSpace(doc)
		if doc == "" {
			continue
		}
		if n := utf8.RuneCountInString(doc); n > s.ChunkSize {
			log.Warn().Int("size", n).Int("chunk_size", s.ChunkSize).Msg("created a chunk longer than the chunk size")
		}
		out = append(out, doc)
	}
	return out
}

// SplitDocuments chunks every document and tags each chunk with its origin.
func (s Splitter) SplitDocuments(repository, ref string, docs []Document) ([]models.Chunk, error) {
	var chunks []models.Chunk
	for _, d := range docs {
		for i, text := range s.Split(d.Content) {
			chunks = append(chunks, models.Chunk{
				ID:         chunkID(d.Path, i),
				Repository: repository,
				Ref:        ref,
				Path:       d.Path,
				Language:   d.Language,
				Content:    text,
				Index:      i,
			})
		}
	}
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}
	return chunks, nil
}

func chunkID(path string, i int) string {
	h := sha1.Sum([]byte(path + "#" + strconv.Itoa(i)))
	return hex.EncodeToString(h[:])
}
