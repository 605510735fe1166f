package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/thesisrag/internal/pipeline"
	"github.com/kalambet/thesisrag/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. Store is optional; without
// it the thesis://recent resource is not registered.
type MCPDeps struct {
	Service          Service
	Store            InteractionStore
	SearchMaxResults int
}

// NewMCPServer creates an MCP server exposing the thesis tools and resources.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"thesisrag",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("thesisrag answers questions about one thesis. Every answer cites passage ids as [Source: N]."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_thesis",
			mcp.WithDescription("Semantically search the thesis and return the closest passages with their ids and similarity scores."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of passages (default 5)")),
		),
		mcpSearchThesis(deps),
	)

	s.AddTool(
		mcp.NewTool("keyword_search",
			mcp.WithDescription("Find thesis passages that contain a keyword (case-insensitive)."),
			mcp.WithString("keyword", mcp.Description("Keyword or phrase"), mcp.Required()),
		),
		mcpKeywordSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_thesis",
			mcp.WithDescription("Ask a question answered only from the thesis, with passage citations."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Conversation to keep history under (default \"mcp\")")),
		),
		mcpAskThesis(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"thesis://corpus",
			"Thesis Corpus",
			mcp.WithResourceDescription("Corpus metadata: embedding model, dimension and passage count"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCorpus(deps),
	)

	if deps.Store != nil {
		s.AddResource(
			mcp.NewResource(
				"thesis://recent",
				"Recent Questions",
				mcp.WithResourceDescription("Last 10 answered questions (queries and status only)"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecent(deps),
		)
	}

	return s
}

func mcpSearchThesis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", defaultSearchLimit)
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		if limit > maxSearchLimit {
			limit = maxSearchLimit
		}

		results, err := deps.Service.Semantic(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(results)
	}
}

func mcpKeywordSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		keyword, err := req.RequireString("keyword")
		if err != nil {
			return mcpError("keyword is required"), nil
		}

		report, err := deps.Service.Search(keyword)
		if err != nil {
			return mcpError(fmt.Sprintf("keyword search failed: %v", err)), nil
		}
		return mcpText(report.Format(deps.SearchMaxResults)), nil
	}
}

func mcpAskThesis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		resp := deps.Service.Respond(ctx, pipeline.Request{
			ConversationID: req.GetString("conversation_id", "mcp"),
			Sender:         "MCP",
			Query:          question,
		})
		if resp.Text == "" {
			return mcpError("no answer produced"), nil
		}
		if resp.Status == storage.StatusFailed {
			return mcpError(resp.Text), nil
		}
		return mcpText(resp.Text), nil
	}
}

func mcpResourceCorpus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		c := deps.Service.Corpus()
		if c == nil {
			return nil, fmt.Errorf("no corpus loaded")
		}
		info := struct {
			corpusSummary
			Available bool   `json:"available"`
			Error     string `json:"error,omitempty"`
		}{corpusSummary: corpusInfo(c), Available: true}
		if err := deps.Service.Unavailable(); err != nil {
			info.Available = false
			info.Error = err.Error()
		}

		b, err := json.Marshal(info)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal corpus info: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		interactions, err := deps.Store.GetRecentInteractions("", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent interactions: %w", err)
		}

		type interactionSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Query     string `json:"query"`
			Status    string `json:"status"`
		}

		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			query := ix.UserQuery
			if utf8.RuneCountInString(query) > 200 {
				runes := []rune(query)
				query = string(runes[:200]) + "..."
			}
			summaries[i] = interactionSummary{
				ID:        ix.ID,
				CreatedAt: ix.CreatedAt.Format(time.RFC3339),
				Query:     query,
				Status:    ix.Status,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
