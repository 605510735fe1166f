// Package ingest rebuilds the corpus in the background from queued jobs.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/thesisrag/internal/document"
	"github.com/kalambet/thesisrag/internal/retrieval"
	"github.com/kalambet/thesisrag/internal/storage"
)

// JobType is the job queue type handled by Worker.
const JobType = "corpus_build"

// ErrNoDocument is returned when a build job names no document and the
// worker has no default.
var ErrNoDocument = errors.New("no document to build from")

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// CorpusBuilder chunks and embeds document text into a corpus.
type CorpusBuilder interface {
	Build(ctx context.Context, text string) (*retrieval.Corpus, error)
}

// Loader reads a document file into plain text.
type Loader func(path string) (string, error)

// BuildPayload is the JSON payload of a corpus_build job.
type BuildPayload struct {
	Document string `json:"document,omitempty"`
}

// Enqueue queues a rebuild from documentPath and returns the job id. An
// empty path means the worker's default document.
func Enqueue(store JobStore, documentPath string) (string, error) {
	payload, err := json.Marshal(BuildPayload{Document: documentPath})
	if err != nil {
		return "", fmt.Errorf("marshaling build payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Options configure a Worker. Loader defaults to document.Load and
// PollInterval to 500ms.
type Options struct {
	DefaultDocument string
	Loader          Loader
	PollInterval    time.Duration
	// OnBuilt is called after a corpus has been written.
	OnBuilt func(c *retrieval.Corpus)
	Logger  *slog.Logger
}

// Worker processes corpus_build jobs from the SQLite job queue. A finished
// build is written to the sink; running services pick it up on restart.
type Worker struct {
	store   JobStore
	builder CorpusBuilder
	sink    retrieval.Sink
	opts    Options
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
func NewWorker(store JobStore, builder CorpusBuilder, sink retrieval.Sink, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Loader == nil {
		opts.Loader = document.Load
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   store,
		builder: builder,
		sink:    sink,
		opts:    opts,
		logger:  logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// RunOnce claims and processes a single corpus_build job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload BuildPayload
	if job.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
	}
	path := payload.Document
	if path == "" {
		path = w.opts.DefaultDocument
	}
	if path == "" {
		return ErrNoDocument
	}

	start := time.Now()
	text, err := w.opts.Loader(path)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", path, err)
	}

	corpus, err := w.builder.Build(ctx, text)
	if err != nil {
		return fmt.Errorf("building corpus: %w", err)
	}

	if err := w.sink.WriteSnapshot(ctx, corpus.Snapshot()); err != nil {
		return fmt.Errorf("writing corpus: %w", err)
	}

	w.logger.Info("corpus rebuilt",
		"job_id", job.ID,
		"document", path,
		"passages", corpus.Len(),
		"dimension", corpus.Dimension(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if w.opts.OnBuilt != nil {
		w.opts.OnBuilt(corpus)
	}
	return nil
}

// Builder is the CorpusBuilder backed by a splitter and an embedder.
type Builder struct {
	Splitter retrieval.Splitter
	Embedder *retrieval.Embedder
}

// Build implements CorpusBuilder.
func (b Builder) Build(ctx context.Context, text string) (*retrieval.Corpus, error) {
	return retrieval.Build(ctx, text, b.Splitter, b.Embedder)
}
