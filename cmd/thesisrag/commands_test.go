package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/thesisrag/internal/config"
	"github.com/kalambet/thesisrag/internal/retrieval"
	"github.com/kalambet/thesisrag/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useClient points the commands at ts for the duration of the test.
func useClient(t *testing.T, ts *testServer) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = orig })
}

func runRoot(t *testing.T, args ...string) error {
	t.Helper()
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		configPath = ""
	})
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

func TestAskCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/ask": `{"interaction_id":"ix-1","text":"It is ergodic. [Source: 3]","status":"answered","passage_ids":[3]}`,
	})
	useClient(t, ts)

	if err := runRoot(t, "ask", "what", "is", "cybertext?"); err != nil {
		t.Fatalf("ask: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/v1/ask" {
		t.Errorf("request = %s %s, want POST /v1/ask", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["question"] != "what is cybertext?" {
		t.Errorf("question = %v", body["question"])
	}
	if body["conversation_id"] != "cli" || body["sender"] != "CLI" {
		t.Errorf("body = %v", body)
	}
}

func TestAskCommand_MissingArgs(t *testing.T) {
	err := runRoot(t, "ask")
	if err == nil {
		t.Fatal("expected error for missing question")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want an argument error", err.Error())
	}
}

func TestSearchCommand_EscapesQuery(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/search": `{"query":"a b","results":[{"passage_id":2,"text":"passage two","score":0.91}]}`,
	})
	useClient(t, ts)

	if err := runRoot(t, "search", "hyper text&more", "--limit", "2"); err != nil {
		t.Fatalf("search: %v", err)
	}
	if got := ts.requests[0].Path; got != "/v1/search?q=hyper+text%26more&limit=2" {
		t.Errorf("path = %q", got)
	}
}

func TestKeywordCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/keyword": `{"keyword":"ergodic","matches":[{"passage_id":4,"text":"ergodic literature"}]}`,
	})
	useClient(t, ts)

	if err := runRoot(t, "keyword", "ergodic"); err != nil {
		t.Fatalf("keyword: %v", err)
	}
	if got := ts.requests[0].Path; got != "/v1/keyword?q=ergodic" {
		t.Errorf("path = %q", got)
	}
}

func TestDecodeJSON_APIError(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/v1/interactions/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want status and message", err)
	}
}

func TestClientOmitsEmptyToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})
	c := ts.client()
	c.token = ""

	resp, err := c.get(ctx, "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want none", ts.requests[0].Auth)
	}
}

func TestWaitForJob(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		status := "running"
		if n >= 3 {
			status = "completed"
		}
		json.NewEncoder(w).Encode(storage.Job{ID: "job-1", Status: status})
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	job, err := waitForJob(ctx, c, "job-1", time.Millisecond)
	if err != nil {
		t.Fatalf("waitForJob: %v", err)
	}
	if job.Status != "completed" || calls != 3 {
		t.Errorf("status = %q after %d calls, want completed after 3", job.Status, calls)
	}
}

func TestWaitForJob_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(storage.Job{ID: "job-1", Status: "pending"})
	}))
	defer srv.Close()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	c := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	if _, err := waitForJob(cctx, c, "job-1", 5*time.Millisecond); err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestOpenCorpusStore(t *testing.T) {
	main, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer main.Close()
	dir := t.TempDir()

	cs, err := openCorpusStore(filepath.Join(dir, "corpus.json"), main)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cs.(*retrieval.JSONFile); !ok {
		t.Errorf(".json -> %T, want *retrieval.JSONFile", cs)
	}

	cs, err = openCorpusStore("", main)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cs.(*retrieval.SQLiteStore); !ok {
		t.Errorf("empty path -> %T, want *retrieval.SQLiteStore", cs)
	}

	cs, err = openCorpusStore(filepath.Join(dir, "corpus.db"), main)
	if err != nil {
		t.Fatal(err)
	}
	sc, ok := cs.(*sqliteCorpus)
	if !ok {
		t.Fatalf(".db -> %T, want *sqliteCorpus", cs)
	}
	defer sc.Close()

	snap := retrieval.Snapshot{Model: "m", Dimension: 2, Passages: []retrieval.Passage{
		{ID: 1, Text: "one", Vector: []float32{1, 0}},
	}}
	if err := sc.WriteSnapshot(ctx, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	c, err := retrieval.Load(ctx, sc)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Len() != 1 || c.Model() != "m" {
		t.Errorf("corpus = %d passages, model %q", c.Len(), c.Model())
	}
}

func TestConfigSetCommand(t *testing.T) {
	t.Setenv("THESISRAG_RETRIEVAL_TOP_K", "")
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := runRoot(t, "--config", path, "config", "set", "retrieval.top_k", "9"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Retrieval.TopK != 9 {
		t.Errorf("TopK = %d, want 9", cfg.Retrieval.TopK)
	}

	if err := runRoot(t, "--config", path, "config", "set", "telegram.token", "x"); err == nil {
		t.Error("setting a secret through config set should fail")
	}
}

func TestGenerationModel(t *testing.T) {
	var cfg config.Config
	cfg.Generation.Provider = config.ProviderOpenRouter
	cfg.Generation.Model = "google/gemini-2.5-pro"
	if got := generationModel(cfg); got != "google/gemini-2.5-pro" {
		t.Errorf("openrouter model = %q", got)
	}

	cfg.Generation.Provider = config.ProviderEngine
	cfg.Engine.Provider = config.ProviderOpenAI
	cfg.OpenAI.ChatModel = "gpt-4o-mini"
	if got := generationModel(cfg); got != "gpt-4o-mini" {
		t.Errorf("engine model = %q", got)
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorRed, "text"); got != "text" {
		t.Errorf("colorize with noColor=true = %q", got)
	}

	noColor = false
	if got := colorize(colorRed, "text"); !strings.Contains(got, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("پایان‌نامه", 3); got != "پای..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

func TestPrintHelpersWriteToMessages(t *testing.T) {
	var buf bytes.Buffer
	oldW, oldColor := messages, noColor
	messages, noColor = &buf, true
	defer func() { messages, noColor = oldW, oldColor }()

	printSuccess("wrote %d passages", 12)
	printStatus("Passages", "%d", 12)

	want := "✓ wrote 12 passages\n  Passages: 12\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}
