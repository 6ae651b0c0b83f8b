package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Specification struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"providerApiKey" envconfig:"PROVIDER_API_KEY"`
	EmbedModel  string `yaml:"providerEmbedModel" envconfig:"PROVIDER_EMBEDDING_MODEL"`
	ChatModel   string `yaml:"providerChatModel" envconfig:"PROVIDER_CHAT_MODEL"`
	BaseURL     string `yaml:"providerBaseURL" envconfig:"PROVIDER_BASE_URL"`
	ChatBaseURL string `yaml:"providerChatBaseURL" envconfig:"PROVIDER_CHAT_BASE_URL"`
	ChatAPIKey  string `yaml:"providerChatApiKey" envconfig:"PROVIDER_CHAT_API_KEY"`
	ProjectID   string `yaml:"providerProjectID" envconfig:"PROVIDER_PROJECT_ID"`
	Location    string `yaml:"providerLocation" envconfig:"PROVIDER_LOCATION"`
	Dim         int    `yaml:"providerDim" envconfig:"EMBED_DIM"`

	IndexBackend string `yaml:"indexBackend" split_words:"true"`
	Database     string `yaml:"database" envconfig:"DB_URL"`
	RepoDir      string `yaml:"repoDir" split_words:"true"`
	IndexDir     string `yaml:"indexDir" split_words:"true"`

	DefaultBranch        string        `yaml:"defaultBranch" split_words:"true"`
	ResolveTimeout       time.Duration `yaml:"resolveTimeout" split_words:"true"`
	ListBranchesFallback bool          `yaml:"listBranchesFallback" split_words:"true"`
	SkipArtifacts        bool          `yaml:"skipArtifacts" split_words:"true"`
	EmbedWorkers         int           `yaml:"embedWorkers" split_words:"true"`
	GithubToken          string        `yaml:"githubToken" envconfig:"GITHUB_TOKEN"`

	LogLevel       string            `yaml:"logLevel" split_words:"true"`
	Port           int               `yaml:"port" split_words:"true"`
	AllowedOrigins []string          `yaml:"allowedOrigins" split_words:"true"`
	AllowAnyOrigin bool              `yaml:"allowAnyOrigin" split_words:"true"`
	Auth           AuthSpecification `yaml:"auth"`

	flags *pflag.FlagSet `ignored:"true"`
}

type AuthSpecification struct {
	Enabled   bool          `yaml:"enabled"`
	JwtSecret string        `yaml:"jwtSecret" split_words:"true"`
	Issuer    string        `yaml:"issuer"`
	TTL       time.Duration `yaml:"ttl"`
}

const envPrefix = "REPOQA"

// DefaultAllowedOrigins are the browser origins the hosted frontend runs on.
var DefaultAllowedOrigins = []string{
	"https://git-summary-wyrc.vercel.app",
	"http://localhost:5173",
}

func (s *Specification) Usage() {
	fmt.Fprint(os.Stderr, s.flags.FlagUsages())
}

// Load => defaults < YAML < env < flags.
// configPath may be ""; if so we auto-discover.
func Load(configPath string, fs *pflag.FlagSet) (Specification, error) {
	return load(configPath, fs, os.Args[1:])
}

func load(configPath string, fs *pflag.FlagSet, args []string) (Specification, error) {
	var cfg Specification

	// set defaults (lowest precedence)
	setDefaults(&cfg)
	bindFlags(fs, &cfg, args)

	// config file
	path := configPath
	if path == "" {
		if v := os.Getenv(envPrefix + "_CONFIG"); v != "" {
			path = v
		} else {
			for _, cand := range []string{
				"config/repoqa.yaml",
				"config/config.yaml",
				"./repoqa.yaml",
				"./config.yaml",
			} {
				if fileExists(cand) {
					path = cand
					break
				}
			}
		}
	}

	if path != "" {
		if !fileExists(path) {
			return Specification{}, fmt.Errorf("config file not found: %s", path)
		}
		if err := loadYAML(path, &cfg); err != nil {
			return Specification{}, fmt.Errorf("load yaml %s: %w", path, err)
		}
	}

	// env overrides config file
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Specification{}, fmt.Errorf("env override: %w", err)
	}

	// flags override everything
	if err := fs.Parse(args); err != nil {
		return Specification{}, err
	}
	applyChangedFlags(fs, &cfg)

	if err := cfg.validate(); err != nil {
		return Specification{}, err
	}
	return cfg, nil
}

func (s *Specification) validate() error {
	if strings.TrimSpace(s.LogLevel) == "" {
		s.LogLevel = "info"
	}
	if strings.TrimSpace(s.DefaultBranch) == "" {
		s.DefaultBranch = "main"
	}
	switch s.IndexBackend {
	case "file":
	case "postgres":
		if strings.TrimSpace(s.Database) == "" {
			return fmt.Errorf("REPOQA_DB_URL is required when indexBackend is postgres (env/file/flag)")
		}
	default:
		return fmt.Errorf("unsupported index backend: %q", s.IndexBackend)
	}
	if strings.TrimSpace(s.RepoDir) == "" || strings.TrimSpace(s.IndexDir) == "" {
		return fmt.Errorf("repoDir and indexDir must be set")
	}
	if s.EmbedWorkers <= 0 {
		s.EmbedWorkers = 1
	}
	if s.Auth.Enabled && strings.TrimSpace(s.Auth.JwtSecret) == "" {
		return fmt.Errorf("auth.jwtSecret is required when auth is enabled")
	}
	return nil
}

// ---------- helpers ----------

func loadYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, into)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func bindFlags(fs *pflag.FlagSet, c *Specification, args []string) {
	fs.String("config", "", "Path to config file")

	// If --config is provided on the command line, capture it now so
	// config discovery (which runs before flags.Parse) can use it.
	for i, a := range args {
		if a == "--config" {
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				_ = os.Setenv(envPrefix+"_CONFIG", args[i+1])
			}
		} else if strings.HasPrefix(a, "--config=") {
			parts := strings.SplitN(a, "=", 2)
			if len(parts) == 2 {
				_ = os.Setenv(envPrefix+"_CONFIG", parts[1])
			}
		}
	}

	fs.String("provider", c.Provider, "Provider (stub, openai, groq, ollama, google)")
	fs.String("provider-api-key", c.APIKey, "Provider API key")
	fs.String("provider-embedding-model", c.EmbedModel, "Provider embedding model")
	fs.String("provider-chat-model", c.ChatModel, "Provider chat model used to answer questions")
	fs.String("provider-base-url", c.BaseURL, "Base URL of an OpenAI compatible API")
	fs.String("provider-chat-base-url", c.ChatBaseURL, "Base URL for chat completions when it differs from embeddings")
	fs.String("provider-chat-api-key", c.ChatAPIKey, "API key for the chat endpoint when it differs")
	fs.String("provider-project-id", c.ProjectID, "Provider project ID")
	fs.String("provider-location", c.Location, "Provider location/region")
	fs.Int("embed-dim", c.Dim, "Embedding dimensionality")

	fs.String("index-backend", c.IndexBackend, "Index storage backend (file|postgres)")
	fs.String("db-url", c.Database, "Database URL (DSN) for the postgres backend")
	fs.String("repo-dir", c.RepoDir, "Directory holding cloned repositories")
	fs.String("index-dir", c.IndexDir, "Directory holding file-backed indexes")

	fs.String("default-branch", c.DefaultBranch, "Branch used when the remote HEAD cannot be resolved")
	fs.Duration("resolve-timeout", c.ResolveTimeout, "Timeout for remote branch resolution")
	fs.Bool("list-branches-fallback", c.ListBranchesFallback, "Fall back to the first remote branch before the default")
	fs.Bool("skip-artifacts", c.SkipArtifacts, "Skip vendored, build output and binary files")
	fs.Int("embed-workers", c.EmbedWorkers, "Concurrent embedding requests per build")
	fs.String("github-token", c.GithubToken, "GitHub API token for private clones")

	fs.String("log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.Int("port", c.Port, "API server port")
	fs.StringSlice("allowed-origins", c.AllowedOrigins, "CORS allowed origins")
	fs.Bool("allow-any-origin", c.AllowAnyOrigin, "Allow cross-origin requests from any origin")

	fs.Bool("auth-enabled", c.Auth.Enabled, "Require bearer tokens on /build and /query")
	fs.String("auth-jwt-secret", c.Auth.JwtSecret, "JWT secret for signing tokens")
	fs.String("auth-issuer", c.Auth.Issuer, "JWT issuer")
	fs.Duration("auth-ttl", c.Auth.TTL, "Lifetime of issued tokens")

	// Used later for usage/help
	// create a shallow copy of fs (so Usage can be called safely without mutating caller)
	copied := pflag.NewFlagSet("temp", pflag.ContinueOnError)
	*copied = *fs
	c.flags = copied
}

func applyChangedFlags(fs *pflag.FlagSet, c *Specification) {
	setStr := func(name string, dst *string) {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if fs.Changed(name) {
			v, _ := fs.GetInt(name)
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if fs.Changed(name) {
			v, _ := fs.GetBool(name)
			*dst = v
		}
	}
	setDur := func(name string, dst *time.Duration) {
		if fs.Changed(name) {
			v, _ := fs.GetDuration(name)
			*dst = v
		}
	}

	// (We ignore --config here; it's for discovery.)
	setStr("provider", &c.Provider)
	setStr("provider-api-key", &c.APIKey)
	setStr("provider-embedding-model", &c.EmbedModel)
	setStr("provider-chat-model", &c.ChatModel)
	setStr("provider-base-url", &c.BaseURL)
	setStr("provider-chat-base-url", &c.ChatBaseURL)
	setStr("provider-chat-api-key", &c.ChatAPIKey)
	setStr("provider-project-id", &c.ProjectID)
	setStr("provider-location", &c.Location)
	setInt("embed-dim", &c.Dim)

	setStr("index-backend", &c.IndexBackend)
	setStr("db-url", &c.Database)
	setStr("repo-dir", &c.RepoDir)
	setStr("index-dir", &c.IndexDir)

	setStr("default-branch", &c.DefaultBranch)
	setDur("resolve-timeout", &c.ResolveTimeout)
	setBool("list-branches-fallback", &c.ListBranchesFallback)
	setBool("skip-artifacts", &c.SkipArtifacts)
	setInt("embed-workers", &c.EmbedWorkers)
	setStr("github-token", &c.GithubToken)

	setStr("log-level", &c.LogLevel)
	setInt("port", &c.Port)
	if fs.Changed("allowed-origins") {
		v, _ := fs.GetStringSlice("allowed-origins")
		c.AllowedOrigins = v
	}
	setBool("allow-any-origin", &c.AllowAnyOrigin)

	setBool("auth-enabled", &c.Auth.Enabled)
	setStr("auth-jwt-secret", &c.Auth.JwtSecret)
	setStr("auth-issuer", &c.Auth.Issuer)
	setDur("auth-ttl", &c.Auth.TTL)
}

func setDefaults(c *Specification) {
	c.LogLevel = "info"
	c.Provider = "stub"
	c.Location = "us-central1"
	c.IndexBackend = "file"
	c.RepoDir = "./repos"
	c.IndexDir = "./indexes"
	c.DefaultBranch = "main"
	c.ResolveTimeout = 30 * time.Second
	c.EmbedWorkers = 8
	c.Port = 8000
	c.AllowedOrigins = append([]string(nil), DefaultAllowedOrigins...)
	c.Auth.Issuer = "repoqa"
	c.Auth.TTL = 24 * time.Hour
}
