package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/thesisrag/internal/engine"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the number of texts sent per embedding request.
	DefaultBatchSize = 32
	// DefaultEmbedTimeout bounds a single embedding request.
	DefaultEmbedTimeout = 15 * time.Second
)

// Embedder turns text into vectors with one embedding model. It holds no
// state besides its configuration, so equal inputs give equal vectors for a
// deterministic backend.
type Embedder struct {
	engine    engine.Engine
	model     string
	batchSize int
	timeout   time.Duration
}

// EmbedderOption customizes an Embedder.
type EmbedderOption func(*Embedder)

// WithBatchSize sets how many texts go into one backend request.
func WithBatchSize(n int) EmbedderOption {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithTimeout bounds every backend request. Zero disables the bound.
func WithTimeout(d time.Duration) EmbedderOption {
	return func(e *Embedder) { e.timeout = d }
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string, opts ...EmbedderOption) *Embedder {
	emb := &Embedder{
		engine:    e,
		model:     model,
		batchSize: DefaultBatchSize,
		timeout:   DefaultEmbedTimeout,
	}
	for _, o := range opts {
		o(emb)
	}
	return emb
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	vec, err := e.engine.Embed(callCtx, e.model, text)
	if err != nil {
		return nil, classify(callCtx, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbeddingUnavailable)
	}
	return vec, nil
}

// EmbedBatch embeds texts in batches of the configured size, at most four
// batches in flight. The result is in input order. Returns nil (not error)
// for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			callCtx, cancel := e.withTimeout(gCtx)
			defer cancel()

			vecs, err := e.engine.EmbedBatch(callCtx, e.model, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", start, end-1, classify(callCtx, err))
			}
			if len(vecs) != end-start {
				return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingUnavailable, len(vecs), end-start)
			}
			for i, v := range vecs {
				if len(v) == 0 {
					return fmt.Errorf("%w: empty vector for text %d", ErrEmbeddingUnavailable, start+i)
				}
				results[start+i] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// classify maps a backend failure onto ErrTimeout or ErrEmbeddingUnavailable,
// keeping the cause in the chain.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
}
