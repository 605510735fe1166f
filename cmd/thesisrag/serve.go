package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/thesisrag/internal/api"
	"github.com/kalambet/thesisrag/internal/config"
	"github.com/kalambet/thesisrag/internal/ingest"
	"github.com/kalambet/thesisrag/internal/retrieval"
	"github.com/kalambet/thesisrag/internal/telegram"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the Telegram bot and the corpus build worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		noTelegram, _ := cmd.Flags().GetBool("no-telegram")
		return runServer(noTelegram)
	},
}

func init() {
	serveCmd.Flags().Bool("no-telegram", false, "do not start the Telegram poller")
}

func runServer(noTelegram bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)
	logger.Info("starting", "version", versionString())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tg *telegram.Client
	if !noTelegram {
		if err := cfg.RequireSecrets("telegram.token"); err != nil {
			return fmt.Errorf("%w (or pass --no-telegram)", err)
		}
		tg = telegram.NewClient(cfg.Telegram.Token)
	}

	opts := appOptions{Readiness: os.Stderr}
	if tg != nil {
		opts.Typist = tg
	}
	a, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	split, err := newChunker(cfg)
	if err != nil {
		return err
	}
	worker := ingest.NewWorker(a.store, ingest.Builder{Splitter: split, Embedder: a.embedder}, a.corpus, ingest.Options{
		DefaultDocument: cfg.Corpus.Document,
		Logger:          logger,
		OnBuilt: func(c *retrieval.Corpus) {
			logger.Info("corpus rebuilt; restart to serve it", "passages", c.Len())
		},
	})

	handler := api.NewHandler(api.AppDeps{
		Service: a.orch,
		Store:   a.store,
		Jobs:    a.store,
		Token:   cfg.Server.APIToken,
	})
	if cfg.Server.APIToken == "" {
		logger.Warn("API token not set; /v1 endpoints are unauthenticated", "env", "THESISRAG_API_TOKEN")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		worker.Run(gCtx)
		return nil
	})

	if tg != nil {
		poller := telegram.NewPoller(tg, a.bot, telegram.PollerConfig{
			PollTimeout: cfg.Telegram.PollTimeout,
			Workers:     cfg.Telegram.Workers,
		}, logger)
		g.Go(func() error {
			err := poller.Run(gCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	logger.Info("shut down")
	return err
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, corpus and interaction status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var health struct {
		Status   string `json:"status"`
		Passages int    `json:"passages"`
		Error    string `json:"error"`
	}
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		} else if health.Status == "ok" {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			printStatus("Passages", "%d", health.Passages)
		} else {
			printStatus("Server", "%s: %s", health.Status, health.Error)
		}
	}

	if health.Status != "" {
		var stats struct {
			Interactions map[string]int `json:"interactions"`
		}
		if r, err := client.get(ctx, "/v1/stats"); err == nil && decodeJSON(r, &stats) == nil {
			for status, n := range stats.Interactions {
				printStatus("Interactions "+status, "%d", n)
			}
		}
	}

	printStatus("Engine", "%s (embed model %s)", cfg.Engine.Provider, embedModel(cfg))
	printStatus("Generation", "%s (%s)", cfg.Generation.Provider, generationModel(cfg))
	printStatus("Corpus", "%s", cfg.Corpus.Path)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func generationModel(cfg config.Config) string {
	if cfg.Generation.Provider == config.ProviderEngine {
		return chatModel(cfg)
	}
	return cfg.Generation.Model
}
