package ingest

import (
	"path"
	"strings"
)

// PathFilter decides whether a file, given by its slash-separated path
// relative to the repository root, is ingested.
type PathFilter interface {
	Include(relPath string) bool
}

// FilterFunc adapts a plain function to PathFilter.
type FilterFunc func(relPath string) bool

func (f FilterFunc) Include(relPath string) bool { return f(relPath) }

// HiddenFilter excludes any path with a component starting with a dot.
type HiddenFilter struct{}

func (HiddenFilter) Include(relPath string) bool {
	for _, part := range strings.Split(relPath, "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	return true
}

var artifactDirs = map[string]bool{
	"vendor": true, "node_modules": true, "target": true, "build": true,
	"dist": true, "out": true, "bin": true, "obj": true, "venv": true,
	"__pycache__": true, "coverage": true,
}

var artifactExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".pdf": true,
	".webp": true, ".lock": true, ".zip": true, ".svg": true, ".exe": true,
	".dll": true, ".so": true, ".ico": true, ".woff": true, ".woff2": true,
	".ttf": true, ".jar": true, ".gz": true, ".sum": true,
}

// ArtifactFilter excludes vendored dependencies, build output and binary
// assets.
type ArtifactFilter struct{}

func (ArtifactFilter) Include(relPath string) bool {
	p := strings.ToLower(relPath)
	parts := strings.Split(p, "/")
	for _, dir := range parts[:len(parts)-1] {
		if artifactDirs[dir] {
			return false
		}
	}
	return !artifactExts[path.Ext(p)]
}

type allFilters []PathFilter

func (a allFilters) Include(relPath string) bool {
	for _, f := range a {
		if !f.Include(relPath) {
			return false
		}
	}
	return true
}

// AllFilters includes a path only when every filter does.
func AllFilters(filters ...PathFilter) PathFilter {
	return allFilters(filters)
}

func guessLang(p string) string {
	ext := strings.ToLower(path.Ext(p))
	switch ext {
	case ".sh":
		return "shell"
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".md":
		return "markdown"
	case ".tf":
		return "terraform"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return strings.TrimPrefix(ext, ".")
	}
}
