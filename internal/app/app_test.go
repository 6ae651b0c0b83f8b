package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/seanblong/repoqa/internal/ai"
	"github.com/seanblong/repoqa/internal/config"
	"github.com/seanblong/repoqa/internal/store"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func TestClientConfig(t *testing.T) {
	tests := []struct {
		provider string
		want     ai.Provider
		wantErr  bool
	}{
		{"stub", ai.ProviderStub, false},
		{"groq", ai.ProviderOpenAI, false},
		{"google", ai.ProviderVertexAI, false},
		{"anthropic", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cc, err := ClientConfig(config.Specification{Provider: tt.provider, ChatModel: "m", Dim: 7})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ClientConfig: %v", err)
			}
			if cc.Provider != tt.want || cc.ChatModel != "m" || cc.Dim != 7 {
				t.Errorf("unexpected config: %+v", cc)
			}
		})
	}
}

func TestNew_FileBackend(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Specification{
		Provider:      "stub",
		Dim:           16,
		IndexBackend:  "file",
		IndexDir:      filepath.Join(dir, "indexes"),
		RepoDir:       filepath.Join(dir, "repos"),
		DefaultBranch: "main",
		EmbedWorkers:  3,
	}
	svc, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	if _, ok := svc.Store.(*store.BoltStore); !ok {
		t.Errorf("store = %T, want *store.BoltStore", svc.Store)
	}
	if svc.Client.Dim() != 16 {
		t.Errorf("dim = %d", svc.Client.Dim())
	}
	if svc.Indexer.Workers != 3 || svc.Indexer.RepoDir != cfg.RepoDir {
		t.Errorf("indexer not configured: %+v", svc.Indexer)
	}
	if svc.Search == nil {
		t.Error("search service missing")
	}
}
