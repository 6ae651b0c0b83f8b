package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/pkg/models"
	"go.etcd.io/bbolt"
)

const indexFile = "index.db"

var (
	bucketMeta    = []byte("meta")
	bucketChunks  = []byte("chunks")
	bucketVectors = []byte("vectors")
	keyMeta       = []byte("meta")
)

// BoltStore keeps one bbolt database per repository under Root.
type BoltStore struct {
	Root string
}

// NewBoltStore creates the index root directory if needed.
func NewBoltStore(root string) (*BoltStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	return &BoltStore{Root: root}, nil
}

func (s *BoltStore) Location(repository string) string {
	return filepath.Join(s.Root, repository)
}

func (s *BoltStore) dbPath(repository string) string {
	return filepath.Join(s.Location(repository), indexFile)
}

func (s *BoltStore) Close() error { return nil }

func (s *BoltStore) Exists(ctx context.Context, repository string) (bool, error) {
	fi, err := os.Stat(s.dbPath(repository))
	if err == nil {
		return !fi.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Replace writes a fresh database next to the live one and renames it over
// index.db, so readers see either the old index or the new one.
func (s *BoltStore) Replace(ctx context.Context, meta models.IndexMeta, chunks []models.Chunk, vectors [][]float32) error {
	if err := checkReplaceArgs(meta, chunks, vectors); err != nil {
		return err
	}
	dir := s.Location(meta.Repository)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+indexFile+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	defer func() {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("file", tmp).Msg("failed to remove temp index")
		}
	}()

	if err := writeBolt(ctx, tmp, meta, chunks, vectors); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dbPath(meta.Repository)); err != nil {
		return fmt.Errorf("install index: %w", err)
	}
	return nil
}

func writeBolt(ctx context.Context, path string, meta models.IndexMeta, chunks []models.Chunk, vectors [][]float32) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		mb, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		cb, err := tx.CreateBucket(bucketChunks)
		if err != nil {
			return err
		}
		vb, err := tx.CreateBucket(bucketVectors)
		if err != nil {
			return err
		}

		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := mb.Put(keyMeta, data); err != nil {
			return err
		}

		for i, c := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := seqKey(uint64(i))
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := cb.Put(key, data); err != nil {
				return err
			}
			if err := vb.Put(key, encodeVector(vectors[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if closeErr := db.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (s *BoltStore) view(repository string, fn func(tx *bbolt.Tx) error) error {
	ok, err := s.Exists(context.Background(), repository)
	if err != nil {
		return err
	}
	if !ok {
		return ErrIndexNotFound
	}
	db, err := bbolt.Open(s.dbPath(repository), 0o600, &bbolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrIndexNotFound
		}
		return fmt.Errorf("open index: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Str("repo", repository).Msg("failed to close index")
		}
	}()
	return db.View(fn)
}

func (s *BoltStore) Meta(ctx context.Context, repository string) (models.IndexMeta, error) {
	var meta models.IndexMeta
	err := s.view(repository, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return errors.New("index has no meta bucket")
		}
		data := b.Get(keyMeta)
		if data == nil {
			return errors.New("index has no metadata")
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return models.IndexMeta{}, err
	}
	return meta, nil
}

// Search scans every stored vector and returns the k most similar chunks.
func (s *BoltStore) Search(ctx context.Context, repository string, vec []float32, k int) ([]models.SearchResult, error) {
	var results []models.SearchResult
	err := s.view(repository, func(tx *bbolt.Tx) error {
		cb, vb := tx.Bucket(bucketChunks), tx.Bucket(bucketVectors)
		if cb == nil || vb == nil {
			return errors.New("index is missing buckets")
		}
		return vb.ForEach(func(key, raw []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v := decodeVector(raw)
			if len(v) != len(vec) {
				return nil
			}
			var c models.Chunk
			if err := json.Unmarshal(cb.Get(key), &c); err != nil {
				return fmt.Errorf("decode chunk: %w", err)
			}
			results = append(results, models.SearchResult{Chunk: c, Score: CosineSimilarity(vec, v)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rank(results, k), nil
}

func seqKey(i uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, i)
	return b
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(x))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
