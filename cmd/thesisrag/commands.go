package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/thesisrag/internal/api"
	"github.com/kalambet/thesisrag/internal/config"
	"github.com/kalambet/thesisrag/internal/document"
	"github.com/kalambet/thesisrag/internal/engine"
	"github.com/kalambet/thesisrag/internal/pipeline"
	"github.com/kalambet/thesisrag/internal/retrieval"
	"github.com/kalambet/thesisrag/internal/storage"
	"github.com/kalambet/thesisrag/internal/tui"
)

// --- build ---

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Chunk and embed the thesis and write the corpus",
	Long: `Build the passage corpus from the thesis document.

The document may be plain text, Markdown, HTML or PDF. The corpus is written
to corpus.path: a .db/.sqlite file is a SQLite database, anything else JSON.

Examples:
  thesisrag build
  thesisrag build --document thesis.pdf --output corpus.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if doc, _ := cmd.Flags().GetString("document"); doc != "" {
			cfg.Corpus.Document = doc
		}
		if out, _ := cmd.Flags().GetString("output"); out != "" {
			cfg.Corpus.Path = out
		}
		skipCheck, _ := cmd.Flags().GetBool("skip-check")
		return buildCorpus(cmd.Context(), cfg, !skipCheck)
	},
}

func init() {
	buildCmd.Flags().String("document", "", "thesis document (default corpus.document)")
	buildCmd.Flags().String("output", "", "corpus destination (default corpus.path)")
	buildCmd.Flags().Bool("skip-check", false, "skip the embedding model readiness check")
}

func buildCorpus(ctx context.Context, cfg config.Config, check bool) error {
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	if check {
		if err := engine.EnsureReady(ctx, eng, "", embedModel(cfg), os.Stderr); err != nil {
			return err
		}
	}

	printStep("Reading %s", cfg.Corpus.Document)
	text, err := document.Load(cfg.Corpus.Document)
	if err != nil {
		return err
	}

	split, err := newChunker(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	printStep("Embedding passages with %s", embedModel(cfg))
	corpus, err := retrieval.Build(ctx, text, split, newEmbedder(cfg, eng))
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	sink, err := openCorpusStore(cfg.Corpus.Path, store)
	if err != nil {
		return err
	}
	if c, ok := sink.(io.Closer); ok {
		defer c.Close()
	}
	if err := sink.WriteSnapshot(ctx, corpus.Snapshot()); err != nil {
		return fmt.Errorf("writing corpus: %w", err)
	}

	dest := cfg.Corpus.Path
	if dest == "" {
		dest = filepath.Join(cfg.Storage.DataDir, storage.DBFileName)
	}
	printSuccess("Wrote %d passages (dimension %d) to %s in %s",
		corpus.Len(), corpus.Dimension(), dest, time.Since(start).Round(time.Millisecond))
	return nil
}

// --- rebuild / jobs ---

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Queue a corpus rebuild on the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, _ := cmd.Flags().GetString("document")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/corpus/rebuild", api.RebuildRequest{Document: doc})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued rebuild job %s", result["job_id"])

		if !wait {
			return nil
		}
		job, err := waitForJob(cmd.Context(), client, result["job_id"], time.Second)
		if err != nil {
			return err
		}
		if job.Status == "failed" {
			return fmt.Errorf("rebuild failed after %d attempts: %s", job.Attempts, job.LastError)
		}
		printSuccess("Rebuild completed; restart the server to serve the new corpus")
		return nil
	},
}

func init() {
	rebuildCmd.Flags().String("document", "", "document path on the server (default corpus.document)")
	rebuildCmd.Flags().Bool("wait", false, "wait until the job finishes")
}

// waitForJob polls until the job is completed or failed.
func waitForJob(ctx context.Context, client *apiClient, id string, every time.Duration) (storage.Job, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		var job storage.Job
		resp, err := client.get(ctx, "/v1/jobs/"+url.PathEscape(id))
		if err != nil {
			return job, err
		}
		if err := decodeJSON(resp, &job); err != nil {
			return job, err
		}
		if job.Status == "completed" || job.Status == "failed" {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect corpus build jobs",
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		return printJSON(job)
	},
}

func init() {
	jobsCmd.AddCommand(jobsShowCmd)
}

// --- search / keyword / ask ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over the thesis passages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/search?q=%s&limit=%d", url.QueryEscape(query), limit))
		if err != nil {
			return err
		}
		var out struct {
			Results []retrieval.Result `json:"results"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if len(out.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for _, r := range out.Results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Passage %d", r.PassageID)), r.Score)
			fmt.Printf("  %s\n", truncate(r.Text, 500))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of passages")
}

var keywordCmd = &cobra.Command{
	Use:   "keyword <word>",
	Short: "List passages containing a keyword",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyword := strings.Join(args, " ")
		maxResults, _ := cmd.Flags().GetInt("max")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/keyword?q="+url.QueryEscape(keyword))
		if err != nil {
			return err
		}
		var report pipeline.SearchReport
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}
		fmt.Println(report.Format(maxResults))
		return nil
	},
}

func init() {
	keywordCmd.Flags().Int("max", 3, "number of passages to print in full")
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the assistant a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, _ := cmd.Flags().GetString("conversation")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/ask", api.AskRequest{
			Question:       strings.Join(args, " "),
			ConversationID: conv,
			Sender:         "CLI",
		})
		if err != nil {
			return err
		}
		var out pipeline.Response
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		fmt.Println(out.Text)
		switch out.Status {
		case storage.StatusAnswered:
			if len(out.PassageIDs) > 0 {
				printStatus("Passages", "%v", out.PassageIDs)
			}
		case storage.StatusNotFound:
			printWarning("no passage matched the question")
		default:
			printWarning("answer failed (interaction %s)", out.InteractionID)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("conversation", "cli", "conversation id to keep history under")
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Inspect the interaction log",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		conv, _ := cmd.Flags().GetString("conversation")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/v1/interactions?limit=%d", limit)
		if conv != "" {
			path += "&conversation_id=" + url.QueryEscape(conv)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var interactions []storage.Interaction
		if err := decodeJSON(resp, &interactions); err != nil {
			return err
		}

		if len(interactions) == 0 {
			fmt.Println("No interactions found.")
			return nil
		}
		for _, ix := range interactions {
			fmt.Printf("%s  %s  %-9s  %s\n",
				colorize(colorCyan, truncate(ix.ID, 8)),
				ix.CreatedAt.Format(time.DateTime),
				ix.Status,
				truncate(ix.UserQuery, 80),
			)
		}
		return nil
	},
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/interactions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var interaction any
		if err := decodeJSON(resp, &interaction); err != nil {
			return err
		}
		return printJSON(interaction)
	},
}

func init() {
	interactionsListCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
	interactionsListCmd.Flags().String("conversation", "", "only this conversation")
	interactionsCmd.AddCommand(interactionsListCmd)
	interactionsCmd.AddCommand(interactionsShowCmd)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// The screen belongs to the TUI; logs go to a file in the data dir.
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return err
		}
		logPath := filepath.Join(cfg.Storage.DataDir, "chat.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("opening chat log: %w", err)
		}
		defer logFile.Close()
		logger := newLoggerTo(logFile, cfg.Log.Level)

		a, err := newApp(cmd.Context(), cfg, logger, appOptions{Readiness: os.Stderr})
		if err != nil {
			return err
		}
		defer a.Close()

		summary := fmt.Sprintf("%d passages, generation via %s", a.orch.Corpus().Len(), a.genModel)
		if err := a.orch.Unavailable(); err != nil {
			summary = "corpus unavailable: " + err.Error()
		}
		m := tui.New(cmd.Context(), a.bot, tui.Options{
			ConversationID: "terminal",
			Sender:         os.Getenv("USER"),
			AssistantName:  cfg.Chat.AssistantName,
			Summary:        summary,
		})
		_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
		return err
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log.Level)

		// stdout carries the MCP protocol; readiness output goes to stderr.
		a, err := newApp(cmd.Context(), cfg, logger, appOptions{Readiness: os.Stderr})
		if err != nil {
			return err
		}
		defer a.Close()

		s := api.NewMCPServer(api.MCPDeps{
			Service:          a.orch,
			Store:            a.store,
			SearchMaxResults: cfg.Search.MaxResults,
		}, version)
		return server.ServeStdio(s)
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(configPath, key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(configPath, args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			fmt.Println(configPath)
			return
		}
		fmt.Println(config.DefaultPath())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configPathCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
