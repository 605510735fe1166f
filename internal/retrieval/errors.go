package retrieval

import "errors"

var (
	// ErrCorpusFormat reports a corpus that is empty, has missing vectors,
	// mixed dimensions or non-dense passage ids.
	ErrCorpusFormat = errors.New("corpus format error")

	// ErrCorpusNotFound reports that the configured corpus has not been built.
	ErrCorpusNotFound = errors.New("corpus not found")

	// ErrDimensionMismatch reports a query vector whose length differs from
	// the corpus dimension, usually a model change without a rebuild.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmbeddingUnavailable reports a failed embedding call.
	ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")

	// ErrTimeout reports an embedding call that exceeded its deadline.
	ErrTimeout = errors.New("embedding timed out")

	// ErrInvalidTopK reports a non-positive result count.
	ErrInvalidTopK = errors.New("top-k must be positive")
)
