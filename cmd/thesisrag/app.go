package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kalambet/thesisrag/internal/bot"
	"github.com/kalambet/thesisrag/internal/chunker"
	"github.com/kalambet/thesisrag/internal/composer"
	"github.com/kalambet/thesisrag/internal/config"
	"github.com/kalambet/thesisrag/internal/engine"
	"github.com/kalambet/thesisrag/internal/history"
	"github.com/kalambet/thesisrag/internal/pipeline"
	"github.com/kalambet/thesisrag/internal/proxy"
	"github.com/kalambet/thesisrag/internal/retrieval"
	"github.com/kalambet/thesisrag/internal/storage"
)

// app holds the wired components shared by serve, chat and mcp.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	engine   engine.Engine
	embedder *retrieval.Embedder
	store    *storage.Store
	corpus   corpusStore
	history  *history.Store
	orch     *pipeline.Orchestrator
	bot      *bot.Bot
	genModel string
}

// corpusStore is where the corpus is read from and written to.
type corpusStore interface {
	retrieval.Source
	retrieval.Sink
}

type appOptions struct {
	// Readiness is where engine readiness progress is written. Nil skips
	// the readiness check.
	Readiness io.Writer
	Typist    bot.Typist
	Username  string
}

// newApp wires every component from cfg. A corpus that is missing is fatal;
// one that fails validation leaves the assistant running but unavailable.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	eng, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = eng

	if opts.Readiness != nil {
		chat := ""
		if cfg.Generation.Provider == config.ProviderEngine {
			chat = chatModel(cfg)
		}
		if err := engine.EnsureReady(ctx, eng, chat, embedModel(cfg), opts.Readiness); err != nil {
			return nil, err
		}
	}
	a.embedder = newEmbedder(cfg, eng)

	gen, model, err := newGenerator(ctx, cfg, eng)
	if err != nil {
		return nil, err
	}
	a.genModel = model

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store

	cs, err := openCorpusStore(cfg.Corpus.Path, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.corpus = cs

	corpus, loadErr := retrieval.Load(ctx, cs)
	if errors.Is(loadErr, retrieval.ErrCorpusNotFound) {
		a.Close()
		return nil, fmt.Errorf("%w; run \"thesisrag build\" first", loadErr)
	}
	if loadErr != nil && !errors.Is(loadErr, retrieval.ErrCorpusFormat) {
		a.Close()
		return nil, fmt.Errorf("loading corpus: %w", loadErr)
	}
	if corpus != nil && corpus.Model() != "" && corpus.Model() != a.embedder.Model() {
		logger.Warn("corpus was built with a different embedding model",
			"corpus_model", corpus.Model(), "embed_model", a.embedder.Model())
	}

	a.history = history.New(cfg.Chat.HistoryLimit)
	a.orch = pipeline.New(pipeline.Deps{
		Corpus:    corpus,
		Embedder:  a.embedder,
		Generator: gen,
		History:   a.history,
		Composer:  composer.New(cfg.Chat.AssistantName, cfg.Composer.MaxContextTokens),
		Recorder:  store,
		Logger:    logger,
	}, pipeline.Options{
		TopK:              cfg.Retrieval.TopK,
		MinScoreEnabled:   cfg.Retrieval.MinScoreEnabled,
		MinScore:          cfg.Retrieval.MinScore,
		GenerationTimeout: cfg.Generation.Timeout,
		SearchMaxResults:  cfg.Search.MaxResults,
		AssistantName:     cfg.Chat.AssistantName,
		Model:             model,
	})
	if loadErr != nil {
		a.orch.MarkUnavailable(loadErr)
	} else {
		logger.Info("corpus loaded", "passages", corpus.Len(), "dimension", corpus.Dimension(), "model", corpus.Model())
	}

	a.bot = bot.New(a.orch, a.history, bot.Options{
		Username:         opts.Username,
		SearchMaxResults: cfg.Search.MaxResults,
		Typist:           opts.Typist,
		Logger:           logger,
	})
	return a, nil
}

func (a *app) Close() {
	if a.corpus != nil {
		if c, ok := a.corpus.(io.Closer); ok {
			c.Close()
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing storage", "error", err)
		}
	}
}

func newEngine(cfg config.Config) (engine.Engine, error) {
	eng, err := engine.Detect(engine.DetectConfig{
		Provider:      cfg.Engine.Provider,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	return eng, nil
}

func newEmbedder(cfg config.Config, eng engine.Engine) *retrieval.Embedder {
	return retrieval.NewEmbedder(eng, embedModel(cfg),
		retrieval.WithBatchSize(cfg.Embedding.BatchSize),
		retrieval.WithTimeout(cfg.Embedding.Timeout),
	)
}

func newChunker(cfg config.Config) (*chunker.Chunker, error) {
	return chunker.New(cfg.Chunker.Size, cfg.Chunker.Overlap)
}

func embedModel(cfg config.Config) string {
	if cfg.Engine.Provider == config.ProviderOpenAI {
		return cfg.OpenAI.EmbedModel
	}
	return cfg.Ollama.EmbedModel
}

func chatModel(cfg config.Config) string {
	if cfg.Engine.Provider == config.ProviderOpenAI {
		return cfg.OpenAI.ChatModel
	}
	return cfg.Ollama.ChatModel
}

// newGenerator returns the completion backend and the model name recorded
// with each interaction. OpenRouter is checked for the configured model.
func newGenerator(ctx context.Context, cfg config.Config, eng engine.Engine) (pipeline.Generator, string, error) {
	if cfg.Generation.Provider == config.ProviderEngine {
		model := chatModel(cfg)
		return engine.NewGenerator(eng, model), model, nil
	}

	if err := cfg.RequireSecrets("proxy.openrouter_api_key"); err != nil {
		return nil, "", err
	}
	gen := proxy.NewGenerator(proxy.NewClient(cfg.Proxy.OpenRouterAPIKey), cfg.Generation.Model)
	if err := gen.Check(ctx); err != nil {
		return nil, "", fmt.Errorf("checking generation model: %w", err)
	}
	return gen, gen.Model(), nil
}

// openCorpusStore picks the corpus backend from the path extension: .db and
// .sqlite files are SQLite databases, anything else is a JSON document. An
// empty path keeps the corpus in the main storage database.
func openCorpusStore(path string, main *storage.Store) (corpusStore, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case "":
		if path == "" {
			return retrieval.NewSQLiteStore(main.DB()), nil
		}
		return retrieval.NewJSONFile(path), nil
	case ".db", ".sqlite", ".sqlite3":
		s, err := storage.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening corpus database: %w", err)
		}
		return &sqliteCorpus{SQLiteStore: retrieval.NewSQLiteStore(s.DB()), store: s}, nil
	default:
		return retrieval.NewJSONFile(path), nil
	}
}

// sqliteCorpus owns the standalone database behind a SQLiteStore.
type sqliteCorpus struct {
	*retrieval.SQLiteStore
	store *storage.Store
}

func (s *sqliteCorpus) Close() error { return s.store.Close() }
