package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fixedSplitter []string

func (f fixedSplitter) Chunk(string) []string { return f }

type snapshotSource struct {
	snap Snapshot
	err  error
}

func (s snapshotSource) ReadSnapshot(context.Context) (Snapshot, error) { return s.snap, s.err }

func TestNewCorpus_Validation(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
	}{
		{"empty", Snapshot{}},
		{"missing vector", Snapshot{Passages: []Passage{
			{ID: 1, Text: "a", Vector: []float32{1, 0}},
			{ID: 2, Text: "b"},
		}}},
		{"mixed dimensions", Snapshot{Passages: []Passage{
			{ID: 1, Text: "a", Vector: []float32{1, 0}},
			{ID: 2, Text: "b", Vector: []float32{1, 0, 0}},
		}}},
		{"declared dimension differs", Snapshot{Dimension: 3, Passages: []Passage{
			{ID: 1, Text: "a", Vector: []float32{1, 0}},
		}}},
		{"ids not dense", Snapshot{Passages: []Passage{
			{ID: 1, Text: "a", Vector: []float32{1, 0}},
			{ID: 3, Text: "b", Vector: []float32{0, 1}},
		}}},
		{"ids start at zero", Snapshot{Passages: []Passage{
			{ID: 0, Text: "a", Vector: []float32{1, 0}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCorpus(tt.snap)
			if !errors.Is(err, ErrCorpusFormat) {
				t.Errorf("err = %v, want ErrCorpusFormat", err)
			}
		})
	}
}

func TestCorpus_Accessors(t *testing.T) {
	c := mustCorpus(t, []float32{1, 0}, []float32{0, 1})
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	if c.Dimension() != 2 {
		t.Errorf("Dimension = %d, want 2", c.Dimension())
	}
	if c.Model() != "test" {
		t.Errorf("Model = %q, want %q", c.Model(), "test")
	}
	p, ok := c.Passage(2)
	if !ok || p.Text != "B" {
		t.Errorf("Passage(2) = %+v, %v", p, ok)
	}
	if _, ok := c.Passage(0); ok {
		t.Error("Passage(0) should not exist")
	}
	if _, ok := c.Passage(3); ok {
		t.Error("Passage(3) should not exist")
	}

	ps := c.Passages()
	ps[0].Text = "mutated"
	if p, _ := c.Passage(1); p.Text != "A" {
		t.Error("Passages must return a copy")
	}
}

func TestLoad_PropagatesSourceError(t *testing.T) {
	_, err := Load(context.Background(), snapshotSource{err: ErrCorpusNotFound})
	if !errors.Is(err, ErrCorpusNotFound) {
		t.Errorf("err = %v, want ErrCorpusNotFound", err)
	}
}

func TestLoad_ValidatesSnapshot(t *testing.T) {
	_, err := Load(context.Background(), snapshotSource{snap: Snapshot{}})
	if !errors.Is(err, ErrCorpusFormat) {
		t.Errorf("err = %v, want ErrCorpusFormat", err)
	}
}

func TestBuild_NumbersPassagesInChunkOrder(t *testing.T) {
	chunks := fixedSplitter{"first", "second passage", "third"}
	emb := NewEmbedder(lengthEngine(), "len-model", WithBatchSize(2))

	c, err := Build(context.Background(), "ignored", chunks, emb)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if c.Model() != "len-model" {
		t.Errorf("Model = %q, want len-model", c.Model())
	}
	for i, want := range chunks {
		p, _ := c.Passage(i + 1)
		if p.Text != want {
			t.Errorf("passage %d text = %q, want %q", i+1, p.Text, want)
		}
		if p.Vector[0] != float32(len(want)) {
			t.Errorf("passage %d vector = %v, not the embedding of its text", i+1, p.Vector)
		}
	}
}

func TestBuild_EmptyDocument(t *testing.T) {
	_, err := Build(context.Background(), "", fixedSplitter(nil), NewEmbedder(lengthEngine(), "m"))
	if !errors.Is(err, ErrCorpusFormat) {
		t.Errorf("err = %v, want ErrCorpusFormat", err)
	}
}

func TestBuild_EmbeddingFailure(t *testing.T) {
	mock := &mockEngine{
		embedBatchFn: func(context.Context, string, []string) ([][]float32, error) {
			return nil, errors.New("backend down")
		},
	}
	_, err := Build(context.Background(), "x", fixedSplitter{"x"}, NewEmbedder(mock, "m"))
	if !errors.Is(err, ErrEmbeddingUnavailable) || !strings.Contains(err.Error(), "backend down") {
		t.Errorf("err = %v, want wrapped ErrEmbeddingUnavailable", err)
	}
}
