package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "THESISRAG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "THESISRAG_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "THESISRAG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "telegram.token", typ: kString, env: "THESISRAG_TELEGRAM_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.Token },
	},
	{
		key: "telegram.poll_timeout", typ: kInt, env: "THESISRAG_TELEGRAM_POLL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Telegram.PollTimeout = v.(int) },
		extract: func(cfg Config) any { return cfg.Telegram.PollTimeout },
	},
	{
		key: "telegram.workers", typ: kInt, env: "THESISRAG_TELEGRAM_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Telegram.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Telegram.Workers },
	},
	{
		key: "engine.provider", typ: kString, env: "THESISRAG_ENGINE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Engine.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Provider },
	},
	{
		key: "ollama.base_url", typ: kString, env: "THESISRAG_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "THESISRAG_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "THESISRAG_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "openai.api_key", typ: kString, env: "THESISRAG_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "THESISRAG_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.embed_model", typ: kString, env: "THESISRAG_OPENAI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedModel },
	},
	{
		key: "openai.chat_model", typ: kString, env: "THESISRAG_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "generation.provider", typ: kString, env: "THESISRAG_GENERATION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Generation.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Provider },
	},
	{
		key: "generation.model", typ: kString, env: "THESISRAG_GENERATION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Model },
	},
	{
		key: "generation.timeout", typ: kDuration, env: "THESISRAG_GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.Timeout },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "THESISRAG_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "embedding.timeout", typ: kDuration, env: "THESISRAG_EMBEDDING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedding.Timeout },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "THESISRAG_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "corpus.path", typ: kString, env: "THESISRAG_CORPUS_PATH",
		apply:   func(cfg *Config, v any) { cfg.Corpus.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.Path },
	},
	{
		key: "corpus.document", typ: kString, env: "THESISRAG_CORPUS_DOCUMENT",
		apply:   func(cfg *Config, v any) { cfg.Corpus.Document = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.Document },
	},
	{
		key: "chunker.size", typ: kInt, env: "THESISRAG_CHUNKER_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunker.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.Size },
	},
	{
		key: "chunker.overlap", typ: kInt, env: "THESISRAG_CHUNKER_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunker.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.Overlap },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "THESISRAG_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_score_enabled", typ: kBool, env: "THESISRAG_RETRIEVAL_MIN_SCORE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinScoreEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinScoreEnabled },
	},
	{
		key: "retrieval.min_score", typ: kFloat, env: "THESISRAG_RETRIEVAL_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinScore },
	},
	{
		key: "chat.history_limit", typ: kInt, env: "THESISRAG_CHAT_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Chat.HistoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.HistoryLimit },
	},
	{
		key: "chat.assistant_name", typ: kString, env: "THESISRAG_CHAT_ASSISTANT_NAME",
		apply:   func(cfg *Config, v any) { cfg.Chat.AssistantName = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.AssistantName },
	},
	{
		key: "search.max_results", typ: kInt, env: "THESISRAG_SEARCH_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxResults },
	},
	{
		key: "composer.max_context_tokens", typ: kInt, env: "THESISRAG_COMPOSER_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Composer.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Composer.MaxContextTokens },
	},
	{
		key: "storage.data_dir", typ: kString, env: "THESISRAG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
}

func specByKey(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts a raw string into the Go value apply expects.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

// applyBackend copies non-secret values from the backend. Unlike
// environment overrides, a malformed file value is an error.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("%w: reading %s: %w", ErrInvalidConfiguration, s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("%w: reading %s: %w", ErrInvalidConfiguration, s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a valid %s", ErrInvalidConfiguration, s.key, raw, s.typ)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
