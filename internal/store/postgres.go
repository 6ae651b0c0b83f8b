package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/repoqa/pkg/models"
)

// PGStore keeps every repository's index in Postgres using pgvector.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a new PGStore connected to the given database URL.
func NewPGStore(ctx context.Context, url string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PGStore{pool: p}, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) Location(repository string) string {
	return "pgvector://repo_chunks/" + repository
}

// Migrate applies necessary database migrations and schema setup.
func (s *PGStore) Migrate(ctx context.Context, dim int) error {
	_, err := s.pool.Exec(ctx, schemaSQL(dim))
	return err
}

// schemaSQL returns the DDL for the index tables. Search ranks every row of
// one repository exactly through the (repository, seq) key; there is no
// approximate index on embedding.
func schemaSQL(dim int) string {
	const q = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS repo_indexes (
  repository  TEXT PRIMARY KEY,
  ref         TEXT NOT NULL DEFAULT '',
  provider    TEXT NOT NULL,
  embed_model TEXT NOT NULL,
  dim         INT  NOT NULL,
  chunks      INT  NOT NULL,
  files       INT  NOT NULL,
  built_at    TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS repo_chunks (
  repository  TEXT NOT NULL REFERENCES repo_indexes (repository) ON DELETE CASCADE,
  seq         INT  NOT NULL,
  id          TEXT NOT NULL,
  ref         TEXT NOT NULL DEFAULT '',
  path        TEXT NOT NULL,
  language    TEXT,
  content     TEXT,
  chunk_index INT,
  embedding   vector(%d),
  PRIMARY KEY (repository, seq)
);

DROP INDEX IF EXISTS repo_chunks_embedding_idx;
`
	return fmt.Sprintf(q, dim)
}

func (s *PGStore) Exists(ctx context.Context, repository string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM repo_indexes WHERE repository = $1)`, repository).Scan(&ok)
	return ok, err
}

// Replace deletes the previous index and inserts the new one in a single
// transaction.
func (s *PGStore) Replace(ctx context.Context, meta models.IndexMeta, chunks []models.Chunk, vectors [][]float32) error {
	if err := checkReplaceArgs(meta, chunks, vectors); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM repo_indexes WHERE repository = $1`, meta.Repository); err != nil {
		return fmt.Errorf("delete previous index: %w", err)
	}

	builtAt := meta.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now()
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO repo_indexes (repository, ref, provider, embed_model, dim, chunks, files, built_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		meta.Repository, meta.Ref, meta.Provider, meta.EmbedModel, meta.Dim, meta.Chunks, meta.Files, builtAt,
	); err != nil {
		return fmt.Errorf("insert index meta: %w", err)
	}

	const q = `
		INSERT INTO repo_chunks (repository, seq, id, ref, path, language, content, chunk_index, embedding)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	batch := &pgx.Batch{}
	for i, c := range chunks {
		batch.Queue(q, meta.Repository, i, c.ID, c.Ref, c.Path, c.Language, c.Content, c.Index, pgvector.NewVector(vectors[i]))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PGStore) Meta(ctx context.Context, repository string) (models.IndexMeta, error) {
	const q = `
		SELECT repository, ref, provider, embed_model, dim, chunks, files, built_at
		FROM repo_indexes WHERE repository = $1`
	var m models.IndexMeta
	err := s.pool.QueryRow(ctx, q, repository).Scan(
		&m.Repository, &m.Ref, &m.Provider, &m.EmbedModel, &m.Dim, &m.Chunks, &m.Files, &m.BuiltAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.IndexMeta{}, ErrIndexNotFound
		}
		return models.IndexMeta{}, err
	}
	return m, nil
}

func (s *PGStore) Search(ctx context.Context, repository string, vec []float32, k int) ([]models.SearchResult, error) {
	const q = `
		SELECT id, ref, path, language, content, chunk_index,
		       1 - (embedding <=> $2) AS score
		FROM repo_chunks
		WHERE repository = $1
		ORDER BY embedding <=> $2, seq
		LIMIT $3`

	rows, err := s.pool.Query(ctx, q, repository, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SearchResult
	for rows.Next() {
		c := models.Chunk{Repository: repository}
		var lang *string
		var score float64
		if err := rows.Scan(&c.ID, &c.Ref, &c.Path, &lang, &c.Content, &c.Index, &score); err != nil {
			return nil, err
		}
		if lang != nil {
			c.Language = *lang
		}
		out = append(out, models.SearchResult{Chunk: c, Score: score})
	}
	return out, rows.Err()
}

// Ping checks the database connectivity.
func (s *PGStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
