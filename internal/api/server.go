package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/thesisrag/internal/ingest"
	"github.com/kalambet/thesisrag/internal/pipeline"
	"github.com/kalambet/thesisrag/internal/retrieval"
	"github.com/kalambet/thesisrag/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultSearchLimit = 5
	maxSearchLimit     = 50
)

// Service is the question answering surface the API exposes.
type Service interface {
	Semantic(ctx context.Context, query string, topK int) ([]retrieval.Result, error)
	Search(keyword string) (pipeline.SearchReport, error)
	Respond(ctx context.Context, req pipeline.Request) pipeline.Response
	Corpus() *retrieval.Corpus
	Unavailable() error
}

// InteractionStore reads the interaction audit log.
type InteractionStore interface {
	GetInteraction(id string) (storage.Interaction, error)
	GetRecentInteractions(conversationID string, limit int) ([]storage.Interaction, error)
	CountInteractionsByStatus() (map[string]int, error)
}

// JobQueue enqueues corpus rebuilds and reports their state.
type JobQueue interface {
	ingest.JobStore
	GetJob(id string) (*storage.Job, error)
}

// AppDeps holds dependencies for the HTTP API. Store and Jobs are
// optional; their routes answer 503 when unset.
type AppDeps struct {
	Service Service
	Store   InteractionStore
	Jobs    JobQueue
	Token   string
}

// AskRequest is the body of POST /v1/ask.
type AskRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	ReplyContext   string `json:"reply_context"`
}

// RebuildRequest is the body of POST /v1/corpus/rebuild.
type RebuildRequest struct {
	Document string `json:"document"`
}

// NewHandler returns the HTTP API. /health is public; everything under /v1
// requires the bearer token when one is configured.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/search", handleSemantic(deps))
		r.Get("/keyword", handleKeyword(deps))
		r.Post("/ask", handleAsk(deps))
		r.Get("/corpus", handleCorpus(deps))
		r.Get("/corpus/passages/{id}", handlePassage(deps))
		r.Post("/corpus/rebuild", handleRebuild(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/interactions", handleListInteractions(deps))
		r.Get("/interactions/{id}", handleGetInteraction(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":   "ok",
			"passages": deps.Service.Corpus().Len(),
		}
		code := http.StatusOK
		if err := deps.Service.Unavailable(); err != nil {
			status["status"] = "degraded"
			status["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}
}

func handleSemantic(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := clampLimit(r.URL.Query().Get("limit"), defaultSearchLimit, maxSearchLimit)

		results, err := deps.Service.Semantic(r.Context(), q, limit)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": results})
	}
}

func handleKeyword(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		report, err := deps.Service.Search(q)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}
		if req.ConversationID == "" {
			req.ConversationID = "api"
		}
		if req.Sender == "" {
			req.Sender = "API"
		}

		resp := deps.Service.Respond(r.Context(), pipeline.Request{
			ConversationID: req.ConversationID,
			Sender:         req.Sender,
			Query:          req.Question,
			ReplyContext:   req.ReplyContext,
		})
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleCorpus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := deps.Service.Corpus()
		if c == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "no corpus loaded")
			return
		}
		writeJSON(w, http.StatusOK, corpusInfo(c))
	}
}

func handlePassage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "passage id must be an integer")
			return
		}
		p, ok := deps.Service.Corpus().Passage(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "passage %d not found", id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": p.ID, "text": p.Text})
	}
}

func handleRebuild(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Jobs == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "job queue not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RebuildRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		id, err := ingest.Enqueue(deps.Jobs, req.Document)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue rebuild: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "pending"})
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Jobs == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "job queue not configured")
			return
		}
		job, err := deps.Jobs.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleListInteractions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "interaction log not configured")
			return
		}
		limit := clampLimit(r.URL.Query().Get("limit"), 20, 100)
		list, err := deps.Store.GetRecentInteractions(r.URL.Query().Get("conversation_id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}
		if list == nil {
			list = []storage.Interaction{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetInteraction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "interaction log not configured")
			return
		}
		in, err := deps.Store.GetInteraction(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interaction: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]any{"passages": deps.Service.Corpus().Len()}
		if deps.Store != nil {
			counts, err := deps.Store.CountInteractionsByStatus()
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to count interactions: %v", err)
				return
			}
			stats["interactions"] = counts
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

type corpusSummary struct {
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
	Passages  int    `json:"passages"`
}

func corpusInfo(c *retrieval.Corpus) corpusSummary {
	return corpusSummary{Model: c.Model(), Dimension: c.Dimension(), Passages: c.Len()}
}

func clampLimit(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}

func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuery):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
	case errors.Is(err, pipeline.ErrUnavailable):
		httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
	case errors.Is(err, retrieval.ErrTimeout):
		httpError(w, http.StatusGatewayTimeout, "api_error", "%v", err)
	case errors.Is(err, retrieval.ErrEmbeddingUnavailable):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
