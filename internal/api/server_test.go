package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/seanblong/repoqa/internal/ai"
	"github.com/seanblong/repoqa/internal/auth"
	"github.com/seanblong/repoqa/internal/indexer"
	"github.com/seanblong/repoqa/internal/ingest"
	"github.com/seanblong/repoqa/internal/search"
	"github.com/seanblong/repoqa/internal/store"
	"github.com/seanblong/repoqa/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type staticResolver string

func (s staticResolver) ResolveDefaultBranch(context.Context, string) string { return string(s) }

// fakeCloner writes the files registered for a URL into dest.
type fakeCloner struct {
	repos map[string]map[string]string
}

func (f *fakeCloner) Clone(ctx context.Context, repoURL, branch, dest string) error {
	files, ok := f.repos[repoURL]
	if !ok {
		return errors.New("repository not found")
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	for name, content := range files {
		p := filepath.Join(dest, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type testEnv struct {
	cloner *fakeCloner
	store  *store.BoltStore
	srv    *Server
}

func newTestEnv(t *testing.T, authn *auth.Authenticator) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewBoltStore(filepath.Join(dir, "indexes"))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	client := ai.NewStubClient(0)
	cloner := &fakeCloner{repos: map[string]map[string]string{
		"https://example.com/org/sample.git": {"README.md": "Hello world"},
	}}
	ix := indexer.New(staticResolver("main"), cloner, ingest.NewLoader(false), st, client, filepath.Join(dir, "repos"), 2)
	svc := search.NewService(client, st)
	if authn == nil {
		authn, _ = auth.New(auth.Config{})
	}
	return &testEnv{
		cloner: cloner,
		store:  st,
		srv:    NewServer(ix, svc, authn, CORSConfig{AllowedOrigins: []string{"http://localhost:5173"}}, zerolog.Nop()),
	}
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func detail(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %q", w.Body.String())
	}
	return body.Detail
}

func TestRoot(t *testing.T) {
	h := newTestEnv(t, nil).srv.Handler()

	w := do(t, h, http.MethodGet, "/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"message":"RAG Backend is running!"}` {
		t.Errorf("body = %s", got)
	}

	if w := do(t, h, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/nope", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d", w.Code)
	}
}

func TestBuildThenQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.srv.Handler()

	w := do(t, h, http.MethodPost, "/build", `{"repo_url":"https://example.com/org/sample.git"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("build status = %d body = %s", w.Code, w.Body.String())
	}
	var built models.BuildResponse
	if err := json.Unmarshal(w.Body.Bytes(), &built); err != nil {
		t.Fatalf("decode build: %v", err)
	}
	if built.Status != "success" || built.Repo != "sample" {
		t.Errorf("unexpected build response: %+v", built)
	}
	if built.IndexPath != env.store.Location("sample") {
		t.Errorf("index_path = %q", built.IndexPath)
	}

	w = do(t, h, http.MethodPost, "/query", `{"repo_url":"https://example.com/org/sample.git","question":"What does it say?"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d body = %s", w.Code, w.Body.String())
	}
	var answered models.QueryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &answered); err != nil {
		t.Fatalf("decode query: %v", err)
	}
	if answered.Answer == "" {
		t.Error("empty answer")
	}
	if !reflect.DeepEqual(answered.SourceChunks, []string{"README.md"}) {
		t.Errorf("source_chunks = %v, want [README.md]", answered.SourceChunks)
	}

	// trailing separators name the same repository
	w = do(t, h, http.MethodPost, "/query", `{"repo_url":"https://example.com/org/sample.git/","question":"hello?"}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("query with trailing slash status = %d", w.Code)
	}
}

func TestRebuildReplacesIndex(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.srv.Handler()
	url := "https://example.com/org/sample.git"

	if w := do(t, h, http.MethodPost, "/build", `{"repo_url":"`+url+`"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("first build status = %d", w.Code)
	}
	env.cloner.repos[url] = map[string]string{"NOTES.md": "Goodbye moon"}
	if w := do(t, h, http.MethodPost, "/build", `{"repo_url":"`+url+`"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("second build status = %d", w.Code)
	}

	w := do(t, h, http.MethodPost, "/query", `{"repo_url":"`+url+`","question":"hello world","k":10}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d", w.Code)
	}
	var answered models.QueryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &answered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(answered.SourceChunks, []string{"NOTES.md"}) {
		t.Errorf("source_chunks = %v, want only the rebuilt file", answered.SourceChunks)
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantDetail string
	}{
		{"query before build", http.MethodPost, "/query", `{"repo_url":"https://example.com/org/other.git","question":"q"}`, http.StatusNotFound, "Index not found. Please build first."},
		{"malformed json", http.MethodPost, "/build", `{"repo_url":`, http.StatusBadRequest, ""},
		{"empty body", http.MethodPost, "/query", "", http.StatusBadRequest, ""},
		{"missing repo url", http.MethodPost, "/build", `{}`, http.StatusBadRequest, ""},
		{"empty question", http.MethodPost, "/query", `{"repo_url":"https://example.com/org/sample.git","question":""}`, http.StatusBadRequest, ""},
		{"bad overlap", http.MethodPost, "/build", `{"repo_url":"https://example.com/org/sample.git","chunk_size":10,"chunk_overlap":20}`, http.StatusInternalServerError, ""},
		{"clone failure", http.MethodPost, "/build", `{"repo_url":"https://example.com/org/missing.git"}`, http.StatusInternalServerError, "repository not found"},
		{"build wrong method", http.MethodGet, "/build", "", http.StatusMethodNotAllowed, "Method Not Allowed"},
		{"query wrong method", http.MethodPut, "/query", "", http.StatusMethodNotAllowed, "Method Not Allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestEnv(t, nil).srv.Handler()
			w := do(t, h, tt.method, tt.path, tt.body, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			d := detail(t, w)
			if d == "" {
				t.Error("missing detail")
			}
			if tt.wantDetail != "" && d != tt.wantDetail {
				t.Errorf("detail = %q, want %q", d, tt.wantDetail)
			}
		})
	}
}

func TestBodyTooLarge(t *testing.T) {
	h := newTestEnv(t, nil).srv.Handler()
	big := `{"repo_url":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/build", bytes.NewReader([]byte(big)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCORS(t *testing.T) {
	h := newTestEnv(t, nil).srv.Handler()

	w := do(t, h, http.MethodOptions, "/query", "", map[string]string{
		"Origin":                        "http://localhost:5173",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("preflight allow-origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("allow-credentials = %q", got)
	}

	w = do(t, h, http.MethodGet, "/", "", map[string]string{"Origin": "https://evil.example"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin was allowed: %q", got)
	}

	env := newTestEnv(t, nil)
	env.srv.CORS = CORSConfig{AllowAnyOrigin: true}
	w = do(t, env.srv.Handler(), http.MethodGet, "/", "", map[string]string{"Origin": "https://evil.example"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-any allow-origin = %q, want *", got)
	}
}

func TestAuthGuardsBuildAndQuery(t *testing.T) {
	authn, err := auth.New(auth.Config{Enabled: true, JwtSecret: "secret", Issuer: "repoqa"})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	h := newTestEnv(t, authn).srv.Handler()

	if w := do(t, h, http.MethodGet, "/", "", nil); w.Code != http.StatusOK {
		t.Errorf("root should stay open, got %d", w.Code)
	}
	body := `{"repo_url":"https://example.com/org/sample.git"}`
	if w := do(t, h, http.MethodPost, "/build", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("build without token = %d, want 401", w.Code)
	}

	token, err := authn.GenerateToken("tester")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	w := do(t, h, http.MethodPost, "/build", body, map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Errorf("build with token = %d body %s", w.Code, w.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrInvalidRequest, http.StatusBadRequest},
		{store.ErrIndexNotFound, http.StatusNotFound},
		{search.ErrEmbeddingMismatch, http.StatusInternalServerError},
		{ingest.ErrNoDocuments, http.StatusInternalServerError},
		{ingest.ErrInvalidChunking, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
