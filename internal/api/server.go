// Package api exposes index building and question answering over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/repoqa/internal/auth"
	"github.com/seanblong/repoqa/internal/store"
	"github.com/seanblong/repoqa/pkg/models"
)

const maxBodyBytes = 1 << 20

// Builder builds the index for a repository.
type Builder interface {
	Build(ctx context.Context, req models.BuildRequest) (models.BuildResponse, error)
}

// Answerer answers a question against a built index.
type Answerer interface {
	Query(ctx context.Context, req models.QueryRequest) (models.QueryResponse, error)
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowAnyOrigin bool
}

type Server struct {
	Builder  Builder
	Answerer Answerer
	Auth     *auth.Authenticator
	CORS     CORSConfig
	Logger   zerolog.Logger
}

func NewServer(b Builder, a Answerer, authn *auth.Authenticator, c CORSConfig, logger zerolog.Logger) *Server {
	return &Server{Builder: b, Answerer: a, Auth: authn, CORS: c, Logger: logger}
}

// Handler returns the routed handler wrapped with logging and CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/build", s.Auth.Middleware(http.HandlerFunc(s.handleBuild)))
	mux.Handle("/query", s.Auth.Middleware(http.HandlerFunc(s.handleQuery)))

	logger := s.Logger
	h := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)
	return s.cors().Handler(h)
}

func (s *Server) cors() *cors.Cors {
	if s.CORS.AllowAnyOrigin {
		return cors.AllowAll()
	}
	return cors.New(cors.Options{
		AllowedOrigins:   s.CORS.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions, http.MethodHead},
		AllowedHeaders:   []string{"*"},
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeDetail(w, http.StatusNotFound, "Not Found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "RAG Backend is running!"})
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	var req models.BuildRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		writeError(w, r, fmt.Errorf("%w: repo_url is required", models.ErrInvalidRequest))
		return
	}

	resp, err := s.Builder.Build(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("repo", resp.Repo).Int("chunks", resp.Chunks).Msg("index built")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	var req models.QueryRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.Answerer.Query(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if resp.SourceChunks == nil {
		resp.SourceChunks = []string{}
	}
	hlog.FromRequest(r).Info().Str("repo_url", req.RepoURL).Int("sources", len(resp.SourceChunks)).Msg("query answered")
	writeJSON(w, http.StatusOK, resp)
}

func decode(w http.ResponseWriter, r *http.Request, into any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return fmt.Errorf("%w: request body too large", models.ErrInvalidRequest)
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: request body is empty", models.ErrInvalidRequest)
		default:
			return fmt.Errorf("%w: malformed JSON: %v", models.ErrInvalidRequest, err)
		}
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrIndexNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	ev := hlog.FromRequest(r).Warn()
	if status == http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Int("status", status).Str("path", r.URL.Path).Msg("request failed")

	msg := err.Error()
	if errors.Is(err, store.ErrIndexNotFound) {
		msg = store.ErrIndexNotFound.Error()
	}
	writeDetail(w, status, msg)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
