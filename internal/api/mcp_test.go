package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/thesisrag/internal/pipeline"
	"github.com/kalambet/thesisrag/internal/retrieval"
	"github.com/kalambet/thesisrag/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store, *pipeline.Orchestrator) {
	t.Helper()
	store := openTestStore(t)
	orch := newTestOrchestrator(t, store, &keywordEmbedder{}, &stubGenerator{reply: "Cybertext needs effort [Source: 2]"})
	return MCPDeps{Service: orch, Store: store, SearchMaxResults: 3}, store, orch
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps, "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
	deps.Store = nil
	if s := NewMCPServer(deps, "test"); s == nil {
		t.Fatal("NewMCPServer without store returned nil")
	}
}

func TestMCPTool_SearchThesis(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, err := mcpSearchThesis(deps)(context.Background(), makeCallToolRequest("search_thesis", map[string]interface{}{
		"query": "effort",
		"limit": 2,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var results []retrieval.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(results) != 2 || results[0].PassageID != 2 || results[1].PassageID != 3 {
		t.Errorf("results = %+v, want passages 2 then 3", results)
	}
}

func TestMCPTool_SearchThesis_MissingQuery(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	result, err := mcpSearchThesis(deps)(context.Background(), makeCallToolRequest("search_thesis", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing query")
	}
}

func TestMCPTool_SearchThesis_Unavailable(t *testing.T) {
	deps, _, orch := newTestMCPDeps(t)
	orch.MarkUnavailable(retrieval.ErrCorpusFormat)

	result, _ := mcpSearchThesis(deps)(context.Background(), makeCallToolRequest("search_thesis", map[string]interface{}{"query": "x"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "unavailable") {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_KeywordSearch(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, err := mcpKeywordSearch(deps)(context.Background(), makeCallToolRequest("keyword_search", map[string]interface{}{
		"keyword": "hypertext",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := toolText(t, result)
	if !strings.Contains(text, "Hypertext is non-linear text.") || !strings.Contains(text, "\n\n---\n\n") {
		t.Errorf("text = %q", text)
	}

	result, _ = mcpKeywordSearch(deps)(context.Background(), makeCallToolRequest("keyword_search", map[string]interface{}{
		"keyword": "zzz",
	}))
	if !strings.HasPrefix(toolText(t, result), "❌") {
		t.Errorf("no-match text = %q", toolText(t, result))
	}
}

func TestMCPTool_AskThesis(t *testing.T) {
	deps, store, orch := newTestMCPDeps(t)

	result, err := mcpAskThesis(deps)(context.Background(), makeCallToolRequest("ask_thesis", map[string]interface{}{
		"question":        "what needs effort?",
		"conversation_id": "mcp-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "Cybertext needs effort [Source: 2]" {
		t.Errorf("answer = %q", got)
	}

	if n := orch.History().Len("mcp-1"); n != 2 {
		t.Errorf("history len = %d, want 2", n)
	}
	recent, err := store.GetRecentInteractions("mcp-1", 10)
	if err != nil || len(recent) != 1 {
		t.Errorf("recorded = %v, %v", recent, err)
	}
}

func TestMCPTool_AskThesis_Failure(t *testing.T) {
	store := openTestStore(t)
	orch := newTestOrchestrator(t, store, &keywordEmbedder{err: retrieval.ErrEmbeddingUnavailable}, &stubGenerator{})
	deps := MCPDeps{Service: orch, Store: store}

	result, _ := mcpAskThesis(deps)(context.Background(), makeCallToolRequest("ask_thesis", map[string]interface{}{"question": "q"}))
	if !result.IsError || toolText(t, result) != pipeline.ApologyMessage {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPResource_Corpus(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	contents, err := mcpResourceCorpus(deps)(context.Background(), makeReadResourceRequest("thesis://corpus"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &info); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info["passages"] != float64(3) || info["model"] != "test-embed" || info["available"] != true {
		t.Errorf("info = %v", info)
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	long := strings.Repeat("س", 250)
	if err := store.SaveInteraction(storage.Interaction{ID: "i1", UserQuery: long, Status: storage.StatusNotFound}); err != nil {
		t.Fatal(err)
	}

	contents, err := mcpResourceRecent(deps)(context.Background(), makeReadResourceRequest("thesis://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc := contents[0].(mcp.TextResourceContents)
	var list []map[string]string
	if err := json.Unmarshal([]byte(tc.Text), &list); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(list) != 1 || list[0]["status"] != storage.StatusNotFound {
		t.Fatalf("list = %v", list)
	}
	if !strings.HasSuffix(list[0]["query"], "...") {
		t.Errorf("query not truncated: %q", list[0]["query"])
	}
}
