package api

import (
	"context"
	"strings"
	"testing"

	"github.com/kalambet/thesisrag/internal/history"
	"github.com/kalambet/thesisrag/internal/pipeline"
	"github.com/kalambet/thesisrag/internal/retrieval"
	"github.com/kalambet/thesisrag/internal/storage"
)

const testToken = "test-token-12345"

// keywordEmbedder maps texts mentioning "effort" to [0 1] and everything
// else to [1 0].
type keywordEmbedder struct {
	err error
}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	if strings.Contains(text, "effort") {
		return []float32{0, 1}, nil
	}
	return []float32{1, 0}, nil
}

type stubGenerator struct {
	reply string
	err   error
}

func (g *stubGenerator) Generate(context.Context, string, string) (string, error) {
	return g.reply, g.err
}

func testCorpus(t *testing.T) *retrieval.Corpus {
	t.Helper()
	c, err := retrieval.NewCorpus(retrieval.Snapshot{
		Model:     "test-embed",
		Dimension: 2,
		Passages: []retrieval.Passage{
			{ID: 1, Text: "Hypertext is non-linear text.", Vector: []float32{1, 0}},
			{ID: 2, Text: "Cybertext requires nontrivial effort.", Vector: []float32{0, 1}},
			{ID: 3, Text: "Ergodic literature and hypertext overlap.", Vector: []float32{0.7, 0.7}},
		},
	})
	if err != nil {
		t.Fatalf("NewCorpus: %v", err)
	}
	return c
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestOrchestrator(t *testing.T, store *storage.Store, emb pipeline.QueryEmbedder, gen pipeline.Generator) *pipeline.Orchestrator {
	t.Helper()
	deps := pipeline.Deps{
		Corpus:    testCorpus(t),
		Embedder:  emb,
		Generator: gen,
		History:   history.New(10),
	}
	if store != nil {
		deps.Recorder = store
	}
	return pipeline.New(deps, pipeline.Options{TopK: 2, Model: "test-model"})
}
