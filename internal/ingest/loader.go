package ingest

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
)

// ErrNoDocuments is returned when a repository yields no ingestible files.
var ErrNoDocuments = errors.New("No matching source code files found in repo.")

// Document is a loaded file.
type Document struct {
	Path     string
	Language string
	Content  string
}

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Loader reads the text files of a checked out repository.
type Loader struct {
	Filter     PathFilter
	Walker     FileSystemWalker
	FileReader FileReader
}

// NewLoader creates a Loader that skips hidden paths and, when skipArtifacts
// is set, vendored and binary files as well.
func NewLoader(skipArtifacts bool) *Loader {
	var filter PathFilter = HiddenFilter{}
	if skipArtifacts {
		filter = AllFilters(HiddenFilter{}, ArtifactFilter{})
	}
	return &Loader{
		Filter:     filter,
		Walker:     &DefaultFileSystemWalker{},
		FileReader: &DefaultFileReader{},
	}
}

// Load returns every included UTF-8 text file under root, in walk order.
func (l *Loader) Load(root string) ([]Document, error) {
	filter := l.Filter
	if filter == nil {
		filter = HiddenFilter{}
	}

	var docs []Document
	err := l.Walker.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			relPath := rel(root, path)
			if relPath == "." {
				return nil
			}
			if de != nil && de.IsDir() {
				// hidden directories (.git among them) are never descended into
				if !(HiddenFilter{}).Include(relPath) {
					return godirwalk.SkipThis
				}
				return nil
			}
			if de != nil && !de.IsRegular() {
				return nil
			}
			if !filter.Include(relPath) {
				return nil
			}

			b, err := l.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", relPath).Msg("failed to read file")
				return nil
			}
			if !isText(b) {
				log.Debug().Str("path", relPath).Msg("skipping non-text file")
				return nil
			}
			docs = append(docs, Document{Path: relPath, Language: guessLang(relPath), Content: string(b)})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}
	return docs, nil
}

func isText(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0) < 0
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}
