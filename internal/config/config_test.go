package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every THESISRAG_* variable the loader reads so the host
// environment cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Chunker.Size != 1000 || cfg.Chunker.Overlap != 100 {
		t.Errorf("Chunker = %+v, want size 1000 overlap 100", cfg.Chunker)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("Retrieval.TopK = %d, want 5", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.MinScoreEnabled {
		t.Error("Retrieval.MinScoreEnabled should default to false")
	}
	if cfg.Chat.HistoryLimit != 20 {
		t.Errorf("Chat.HistoryLimit = %d, want 20", cfg.Chat.HistoryLimit)
	}
	if cfg.Generation.Timeout != 60*time.Second {
		t.Errorf("Generation.Timeout = %v, want 60s", cfg.Generation.Timeout)
	}
	if cfg.Search.MaxResults != 3 {
		t.Errorf("Search.MaxResults = %d, want 3", cfg.Search.MaxResults)
	}
	if cfg.Engine.Provider != ProviderOllama {
		t.Errorf("Engine.Provider = %q, want %q", cfg.Engine.Provider, ProviderOllama)
	}
}

func TestJSONParsing(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.json", `{
  "server.port": 9090,
  "chunker.size": 500,
  "chunker.overlap": 50,
  "retrieval.min_score_enabled": "true",
  "retrieval.min_score": 0.45,
  "generation.timeout": "90s",
  "corpus.path": "/srv/thesis/corpus.db"
}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Chunker.Size != 500 || cfg.Chunker.Overlap != 50 {
		t.Errorf("Chunker = %+v", cfg.Chunker)
	}
	if !cfg.Retrieval.MinScoreEnabled || cfg.Retrieval.MinScore != 0.45 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Generation.Timeout != 90*time.Second {
		t.Errorf("Generation.Timeout = %v, want 90s", cfg.Generation.Timeout)
	}
	if cfg.Corpus.Path != "/srv/thesis/corpus.db" {
		t.Errorf("Corpus.Path = %q", cfg.Corpus.Path)
	}
}

func TestYAMLParsingNested(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.yaml", `
server:
  port: 7000
retrieval:
  top_k: 8
  min_score_enabled: true
chat:
  assistant_name: Sara
embedding:
  timeout: 5s
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Retrieval.TopK != 8 || !cfg.Retrieval.MinScoreEnabled {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Chat.AssistantName != "Sara" {
		t.Errorf("Chat.AssistantName = %q, want Sara", cfg.Chat.AssistantName)
	}
	if cfg.Embedding.Timeout != 5*time.Second {
		t.Errorf("Embedding.Timeout = %v, want 5s", cfg.Embedding.Timeout)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.json", `{"server.port": 9090}`)

	t.Setenv("THESISRAG_SERVER_PORT", "9191")
	t.Setenv("THESISRAG_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("THESISRAG_RETRIEVAL_MIN_SCORE", "0.6")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("Telegram.Token = %q", cfg.Telegram.Token)
	}
	if cfg.Retrieval.MinScore != 0.6 {
		t.Errorf("Retrieval.MinScore = %v, want 0.6", cfg.Retrieval.MinScore)
	}
}

func TestSecretsIgnoredInFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.json", `{"proxy.openrouter_api_key": "file-key"}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Proxy.OpenRouterAPIKey != "" {
		t.Errorf("OpenRouterAPIKey = %q, want it read from env only", cfg.Proxy.OpenRouterAPIKey)
	}
}

func TestInvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("THESISRAG_CHUNKER_SIZE", "lots")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chunker.Size != 1000 {
		t.Errorf("Chunker.Size = %d, want default 1000", cfg.Chunker.Size)
	}
}

func TestInvalidFileValue(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.json", `{"generation.timeout": "soon"}`)

	_, err := LoadFile(path)
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestMalformedFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.json", `{not json`)

	if _, err := LoadFile(path); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"overlap not smaller than size", func(c *Config) { c.Chunker.Overlap = c.Chunker.Size }, "chunker.overlap"},
		{"zero chunk size", func(c *Config) { c.Chunker.Size = 0 }, "chunker.size"},
		{"zero top_k", func(c *Config) { c.Retrieval.TopK = 0 }, "retrieval.top_k"},
		{"history limit", func(c *Config) { c.Chat.HistoryLimit = 0 }, "chat.history_limit"},
		{"min score range", func(c *Config) { c.Retrieval.MinScore = 1.5 }, "retrieval.min_score"},
		{"unknown engine", func(c *Config) { c.Engine.Provider = "bedrock" }, "engine.provider"},
		{"unknown generation", func(c *Config) { c.Generation.Provider = "local" }, "generation.provider"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"context budget below one window", func(c *Config) { c.Composer.MaxContextTokens = 250 }, "composer.max_context_tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestRequireSecrets(t *testing.T) {
	cfg := defaults()
	err := cfg.RequireSecrets("telegram.token", "proxy.openrouter_api_key")
	if err == nil {
		t.Fatal("expected error for missing secrets")
	}
	for _, want := range []string{"missing required config", "THESISRAG_TELEGRAM_TOKEN", "THESISRAG_OPENROUTER_API_KEY"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not contain %q", err, want)
		}
	}

	cfg.Telegram.Token = "t"
	cfg.Proxy.OpenRouterAPIKey = "k"
	if err := cfg.RequireSecrets("telegram.token", "proxy.openrouter_api_key"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	clearEnv(t)
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "thesisrag", name)

			if err := SetKey(path, "retrieval.top_k", "7"); err != nil {
				t.Fatalf("SetKey top_k: %v", err)
			}
			if err := SetKey(path, "retrieval.min_score_enabled", "true"); err != nil {
				t.Fatalf("SetKey min_score_enabled: %v", err)
			}
			if err := SetKey(path, "generation.timeout", "2m"); err != nil {
				t.Fatalf("SetKey timeout: %v", err)
			}

			cfg, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			if cfg.Retrieval.TopK != 7 || !cfg.Retrieval.MinScoreEnabled {
				t.Errorf("Retrieval = %+v", cfg.Retrieval)
			}
			if cfg.Generation.Timeout != 2*time.Minute {
				t.Errorf("Generation.Timeout = %v, want 2m", cfg.Generation.Timeout)
			}

			if err := UnsetKey(path, "retrieval.top_k"); err != nil {
				t.Fatalf("UnsetKey: %v", err)
			}
			cfg, err = LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			if cfg.Retrieval.TopK != 5 {
				t.Errorf("TopK after unset = %d, want 5", cfg.Retrieval.TopK)
			}
		})
	}
}

func TestSetKeyRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	if err := SetKey(path, "no.such.key", "1"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := SetKey(path, "telegram.token", "secret"); err == nil || !strings.Contains(err.Error(), "THESISRAG_TELEGRAM_TOKEN") {
		t.Errorf("err = %v, want secret rejection naming the env var", err)
	}
	if err := SetKey(path, "chunker.size", "big"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("rejected SetKey calls should not create the file")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Telegram.Token = "secret-token"

	for _, ki := range ShowAll(cfg) {
		if ki.Key == "telegram.token" || ki.Value == "secret-token" {
			t.Errorf("ShowAll exposed secret %s", ki.Key)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Errorf("ShowAll and ValidKeys disagree: %d vs %d", len(ShowAll(cfg)), len(ValidKeys()))
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, ".env", "THESISRAG_CHAT_ASSISTANT_NAME=Dotenv\n")
	t.Cleanup(func() { os.Unsetenv("THESISRAG_CHAT_ASSISTANT_NAME") })
	os.Unsetenv("THESISRAG_CHAT_ASSISTANT_NAME")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("THESISRAG_CHAT_ASSISTANT_NAME"); got != "Dotenv" {
		t.Errorf("env = %q, want Dotenv", got)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}
