package retrieval

import (
	"context"
	"fmt"
)

// Passage is one chunk of the source document with its embedding. IDs are
// 1-based and follow document order; they are the numbers cited in answers.
type Passage struct {
	ID     int       `json:"id"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
}

// Snapshot is the persisted form of a corpus.
type Snapshot struct {
	Model     string    `json:"model,omitempty"`
	Dimension int       `json:"dimension"`
	Passages  []Passage `json:"passages"`
}

// Source reads a persisted corpus.
type Source interface {
	ReadSnapshot(ctx context.Context) (Snapshot, error)
}

// Sink persists a corpus.
type Sink interface {
	WriteSnapshot(ctx context.Context, snap Snapshot) error
}

// Splitter cuts a document into passage texts.
type Splitter interface {
	Chunk(text string) []string
}

// Corpus is the read-only passage collection queries are ranked against.
// It has no mutation API and is safe for concurrent use without locking.
// Vectors are shared with callers and must not be modified.
type Corpus struct {
	model    string
	dim      int
	passages []Passage
}

// NewCorpus validates a snapshot and wraps it. The snapshot must be
// non-empty, every passage must carry a vector of the same length, and
// ids must run 1..n in order.
func NewCorpus(snap Snapshot) (*Corpus, error) {
	if len(snap.Passages) == 0 {
		return nil, fmt.Errorf("%w: no passages", ErrCorpusFormat)
	}
	dim := snap.Dimension
	if dim == 0 {
		dim = len(snap.Passages[0].Vector)
	}
	if dim == 0 {
		return nil, fmt.Errorf("%w: passage 1 has no vector", ErrCorpusFormat)
	}
	for i, p := range snap.Passages {
		if p.ID != i+1 {
			return nil, fmt.Errorf("%w: passage at position %d has id %d, want %d", ErrCorpusFormat, i, p.ID, i+1)
		}
		if len(p.Vector) == 0 {
			return nil, fmt.Errorf("%w: passage %d has no vector", ErrCorpusFormat, p.ID)
		}
		if len(p.Vector) != dim {
			return nil, fmt.Errorf("%w: passage %d has dimension %d, want %d", ErrCorpusFormat, p.ID, len(p.Vector), dim)
		}
	}

	passages := make([]Passage, len(snap.Passages))
	copy(passages, snap.Passages)
	return &Corpus{model: snap.Model, dim: dim, passages: passages}, nil
}

// Load reads a snapshot from src and validates it.
func Load(ctx context.Context, src Source) (*Corpus, error) {
	snap, err := src.ReadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return NewCorpus(snap)
}

// Build chunks a document, embeds every chunk and numbers the passages in
// chunk order.
func Build(ctx context.Context, document string, sp Splitter, emb *Embedder) (*Corpus, error) {
	chunks := sp.Chunk(document)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: document produced no passages", ErrCorpusFormat)
	}

	vecs, err := emb.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("embedding passages: %w", err)
	}

	passages := make([]Passage, len(chunks))
	for i, text := range chunks {
		passages[i] = Passage{ID: i + 1, Text: text, Vector: vecs[i]}
	}
	return NewCorpus(Snapshot{Model: emb.Model(), Passages: passages})
}

// Len returns the number of passages.
func (c *Corpus) Len() int {
	if c == nil {
		return 0
	}
	return len(c.passages)
}

// Dimension returns the shared vector length.
func (c *Corpus) Dimension() int { return c.dim }

// Model returns the embedding model the corpus was built with, if recorded.
func (c *Corpus) Model() string { return c.model }

// Passage returns the passage with the given 1-based id.
func (c *Corpus) Passage(id int) (Passage, bool) {
	if id < 1 || id > c.Len() {
		return Passage{}, false
	}
	return c.passages[id-1], true
}

// Passages returns the passages in id order. The slice is a copy.
func (c *Corpus) Passages() []Passage {
	out := make([]Passage, c.Len())
	if c != nil {
		copy(out, c.passages)
	}
	return out
}

// Snapshot returns the persistable form of the corpus.
func (c *Corpus) Snapshot() Snapshot {
	return Snapshot{Model: c.model, Dimension: c.dim, Passages: c.Passages()}
}
