package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kalambet/thesisrag/internal/composer"
)

// ErrInvalidConfiguration is returned by Validate and by Load when a value
// is out of range.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Engine and generation providers.
const (
	ProviderOllama     = "ollama"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderEngine     = "engine"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Telegram   TelegramConfig
	Engine     EngineConfig
	Ollama     OllamaConfig
	OpenAI     OpenAIConfig
	Generation GenerationConfig
	Proxy      ProxyConfig
	Embedding  EmbeddingConfig
	Corpus     CorpusConfig
	Chunker    ChunkerConfig
	Retrieval  RetrievalConfig
	Chat       ChatConfig
	Search     SearchConfig
	Composer   ComposerConfig
	Storage    StorageConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type LogConfig struct {
	Level string
}

type TelegramConfig struct {
	Token       string
	PollTimeout int
	Workers     int
}

type EngineConfig struct {
	Provider string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	ChatModel  string
}

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	EmbedModel string
	ChatModel  string
}

type GenerationConfig struct {
	Provider string
	Model    string
	Timeout  time.Duration
}

type ProxyConfig struct {
	OpenRouterAPIKey string
}

type EmbeddingConfig struct {
	Timeout   time.Duration
	BatchSize int
}

type CorpusConfig struct {
	Path     string
	Document string
}

type ChunkerConfig struct {
	Size    int
	Overlap int
}

type RetrievalConfig struct {
	TopK            int
	MinScoreEnabled bool
	MinScore        float64
}

type ChatConfig struct {
	HistoryLimit  int
	AssistantName string
}

type SearchConfig struct {
	MaxResults int
}

type ComposerConfig struct {
	MaxContextTokens int
}

type StorageConfig struct {
	DataDir string
}

func defaults() Config {
	return Config{
		Server:   ServerConfig{Port: 8080},
		Log:      LogConfig{Level: "info"},
		Telegram: TelegramConfig{PollTimeout: 30, Workers: 8},
		Engine:   EngineConfig{Provider: ProviderOllama},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			ChatModel:  "mistral-nemo",
		},
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			EmbedModel: "text-embedding-3-small",
			ChatModel:  "gpt-4o-mini",
		},
		Generation: GenerationConfig{
			Provider: ProviderOpenRouter,
			Model:    "google/gemini-2.5-pro",
			Timeout:  60 * time.Second,
		},
		Embedding: EmbeddingConfig{Timeout: 15 * time.Second, BatchSize: 32},
		Corpus:    CorpusConfig{Path: "corpus.json", Document: "thesis.txt"},
		Chunker:   ChunkerConfig{Size: 1000, Overlap: 100},
		Retrieval: RetrievalConfig{TopK: 5, MinScore: 0.3},
		Chat:      ChatConfig{HistoryLimit: 20, AssistantName: "Atifeh"},
		Search:    SearchConfig{MaxResults: 3},
		Composer:  ComposerConfig{MaxContextTokens: 6000},
		Storage:   StorageConfig{DataDir: defaultDataDir()},
	}
}

// Load reads configuration from the default config file and environment
// variables, then validates it.
//
// The file is $XDG_CONFIG_HOME/thesisrag/config.yaml when present, else
// config.json next to it. Secrets are never read from the file; they come
// from THESISRAG_* environment variables (a .env file is honored through
// LoadDotEnv). Environment variables override file values.
func Load() (Config, error) {
	return LoadFile(configFilePath())
}

// LoadFile is Load with an explicit config file path. A missing file is
// not an error.
func LoadFile(path string) (Config, error) {
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Chunker.Size > 0, "chunker.size must be positive, got %d", c.Chunker.Size)
	check(c.Chunker.Overlap >= 0, "chunker.overlap must not be negative, got %d", c.Chunker.Overlap)
	check(c.Chunker.Size-c.Chunker.Overlap > 0, "chunker.overlap %d must be smaller than chunker.size %d", c.Chunker.Overlap, c.Chunker.Size)
	check(c.Retrieval.TopK > 0, "retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	check(c.Retrieval.MinScore >= -1 && c.Retrieval.MinScore <= 1, "retrieval.min_score %v outside [-1, 1]", c.Retrieval.MinScore)
	check(c.Chat.HistoryLimit > 0, "chat.history_limit must be positive, got %d", c.Chat.HistoryLimit)
	check(c.Search.MaxResults > 0, "search.max_results must be positive, got %d", c.Search.MaxResults)
	check(c.Composer.MaxContextTokens > 0, "composer.max_context_tokens must be positive, got %d", c.Composer.MaxContextTokens)
	if c.Chunker.Size > 0 {
		need := composer.WindowTokens(c.Chunker.Size)
		check(c.Composer.MaxContextTokens >= need,
			"composer.max_context_tokens %d cannot hold one chunker.size window of %d runes (needs %d)", c.Composer.MaxContextTokens, c.Chunker.Size, need)
	}
	check(c.Embedding.BatchSize > 0, "embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	check(c.Embedding.Timeout > 0, "embedding.timeout must be positive")
	check(c.Generation.Timeout > 0, "generation.timeout must be positive")
	check(c.Telegram.Workers > 0, "telegram.workers must be positive, got %d", c.Telegram.Workers)
	check(c.Telegram.PollTimeout >= 0, "telegram.poll_timeout must not be negative")
	check(c.Engine.Provider == ProviderOllama || c.Engine.Provider == ProviderOpenAI,
		"engine.provider %q must be %q or %q", c.Engine.Provider, ProviderOllama, ProviderOpenAI)
	check(c.Generation.Provider == ProviderOpenRouter || c.Generation.Provider == ProviderEngine,
		"generation.provider %q must be %q or %q", c.Generation.Provider, ProviderOpenRouter, ProviderEngine)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errors.Join(errs...))
}

// RequireSecrets reports the secrets that must be set for a command, naming
// the environment variable for each one missing.
func (c Config) RequireSecrets(keys ...string) error {
	var missing []string
	for _, k := range keys {
		s, ok := specByKey(k)
		if !ok {
			continue
		}
		if v, _ := s.extract(c).(string); v == "" {
			missing = append(missing, fmt.Sprintf("%s (set %s)", k, s.env))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// LoadDotEnv loads environment variables from a .env file without
// overriding variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "thesisrag-data"
		}
	}
	return filepath.Join(dir, "thesisrag")
}

// configFilePath prefers config.yaml and falls back to config.json.
func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	yamlPath := filepath.Join(dir, "thesisrag", "config.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	return filepath.Join(dir, "thesisrag", "config.json")
}

// DefaultPath returns the config file Load reads.
func DefaultPath() string { return configFilePath() }
