package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/thesisrag/internal/pipeline"
	"github.com/kalambet/thesisrag/internal/retrieval"
	"github.com/kalambet/thesisrag/internal/storage"
)

func setupHandler(t *testing.T, token string) (http.Handler, *storage.Store, *pipeline.Orchestrator) {
	t.Helper()
	store := openTestStore(t)
	orch := newTestOrchestrator(t, store, &keywordEmbedder{}, &stubGenerator{reply: "Hypertext is non-linear [Source: 1]"})
	h := NewHandler(AppDeps{Service: orch, Store: store, Jobs: store, Token: token})
	return h, store, orch
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	h, _, orch := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]any
	decode(t, rr, &body)
	if body["status"] != "ok" || body["passages"] != float64(3) {
		t.Errorf("body = %v", body)
	}

	orch.MarkUnavailable(retrieval.ErrDimensionMismatch)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status after MarkUnavailable = %d, want 503", rr.Code)
	}
}

func TestAuth(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/corpus", "", tt.token))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	h, _, _ := setupHandler(t, "")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/corpus", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestSemanticSearch(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/search?q=effort&limit=1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Results []retrieval.Result `json:"results"`
	}
	decode(t, rr, &body)
	if len(body.Results) != 1 || body.Results[0].PassageID != 2 {
		t.Errorf("results = %+v", body.Results)
	}
}

func TestSemanticSearch_Errors(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/search", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing q: status = %d, want 400", rr.Code)
	}

	orch := newTestOrchestrator(t, nil, &keywordEmbedder{err: retrieval.ErrEmbeddingUnavailable}, nil)
	h = NewHandler(AppDeps{Service: orch})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/search?q=x", "", ""))
	if rr.Code != http.StatusBadGateway {
		t.Errorf("embedder down: status = %d, want 502", rr.Code)
	}
}

func TestKeywordSearch(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/keyword?q=HYPERTEXT", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var report pipeline.SearchReport
	decode(t, rr, &report)
	if len(report.Matches) != 2 {
		t.Errorf("matches = %+v", report.Matches)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/keyword", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty keyword: status = %d, want 400", rr.Code)
	}
}

func TestAsk(t *testing.T) {
	h, store, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/ask", `{"question":"what is hypertext?","conversation_id":"c9"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp pipeline.Response
	decode(t, rr, &resp)
	if resp.Status != storage.StatusAnswered || !strings.Contains(resp.Text, "[Source: 1]") {
		t.Errorf("resp = %+v", resp)
	}

	saved, err := store.GetInteraction(resp.InteractionID)
	if err != nil {
		t.Fatalf("GetInteraction: %v", err)
	}
	if saved.ConversationID != "c9" || saved.UserQuery != "what is hypertext?" {
		t.Errorf("saved = %+v", saved)
	}
}

func TestAsk_BadRequests(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	for _, body := range []string{`not json`, `{}`, `{"question":""}`} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/ask", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestCorpusAndPassage(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/corpus", "", testToken))
	var info corpusSummary
	decode(t, rr, &info)
	if info.Passages != 3 || info.Dimension != 2 || info.Model != "test-embed" {
		t.Errorf("info = %+v", info)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/corpus/passages/2", "", testToken))
	var p struct {
		ID   int    `json:"id"`
		Text string `json:"text"`
	}
	decode(t, rr, &p)
	if p.ID != 2 || !strings.HasPrefix(p.Text, "Cybertext") {
		t.Errorf("passage = %+v", p)
	}

	for path, want := range map[string]int{
		"/v1/corpus/passages/99":  http.StatusNotFound,
		"/v1/corpus/passages/abc": http.StatusBadRequest,
	} {
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, path, "", testToken))
		if rr.Code != want {
			t.Errorf("%s: status = %d, want %d", path, rr.Code, want)
		}
	}
}

func TestRebuildAndJobStatus(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/corpus/rebuild", `{"document":"thesis.md"}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var accepted map[string]string
	decode(t, rr, &accepted)
	id := accepted["job_id"]
	if id == "" {
		t.Fatal("no job id")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/jobs/"+id, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("job status = %d", rr.Code)
	}
	var job storage.Job
	decode(t, rr, &job)
	if job.Type != "corpus_build" || job.Status != "pending" || !strings.Contains(job.PayloadJSON, "thesis.md") {
		t.Errorf("job = %+v", job)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/jobs/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing job: status = %d, want 404", rr.Code)
	}
}

func TestRebuild_EmptyBody(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/corpus/rebuild", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rr.Code)
	}
}

func TestRoutesWithoutStore(t *testing.T) {
	orch := newTestOrchestrator(t, nil, &keywordEmbedder{}, nil)
	h := NewHandler(AppDeps{Service: orch})

	for _, path := range []string{"/v1/interactions", "/v1/interactions/x", "/v1/jobs/x"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, path, "", ""))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, rr.Code)
		}
	}
}

func TestInteractionsAndStats(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	for _, q := range []string{"what is hypertext?", "define ergodic"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/ask", `{"question":"`+q+`"}`, testToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("ask: %d", rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/interactions?limit=1", "", testToken))
	var list []storage.Interaction
	decode(t, rr, &list)
	if len(list) != 1 || list[0].UserQuery != "define ergodic" {
		t.Errorf("interactions = %+v", list)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/interactions/"+list[0].ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Errorf("get interaction: status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/interactions/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing interaction: status = %d, want 404", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/stats", "", testToken))
	var stats struct {
		Passages     int            `json:"passages"`
		Interactions map[string]int `json:"interactions"`
	}
	decode(t, rr, &stats)
	if stats.Passages != 3 || stats.Interactions[storage.StatusAnswered] != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 5}, {"abc", 5}, {"-1", 5}, {"3", 3}, {"500", 50},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.raw, 5, 50); got != tt.want {
			t.Errorf("clampLimit(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestServiceError_Timeout(t *testing.T) {
	rr := httptest.NewRecorder()
	serviceError(rr, errors.Join(retrieval.ErrTimeout))
	if rr.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rr.Code)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := bearerToken(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
