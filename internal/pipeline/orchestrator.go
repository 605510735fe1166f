package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/thesisrag/internal/composer"
	"github.com/kalambet/thesisrag/internal/history"
	"github.com/kalambet/thesisrag/internal/retrieval"
	"github.com/kalambet/thesisrag/internal/storage"
)

var (
	// ErrGeneration reports a failed or empty generation call.
	ErrGeneration = errors.New("generation failed")

	// ErrUnavailable reports that the retrieval path is disabled because the
	// corpus cannot be ranked against.
	ErrUnavailable = errors.New("retrieval unavailable")

	// ErrNoHistory reports a summary request for an empty conversation.
	ErrNoHistory = errors.New("no conversation history")

	// ErrEmptyQuery reports a blank question or keyword.
	ErrEmptyQuery = errors.New("empty query")
)

// QueryEmbedder turns a query into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces text from a system prompt and a user prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Recorder persists interactions for auditing.
type Recorder interface {
	SaveInteraction(i storage.Interaction) error
}

// Deps are the collaborators of an Orchestrator. Recorder and Logger are
// optional.
type Deps struct {
	Corpus    *retrieval.Corpus
	Embedder  QueryEmbedder
	Generator Generator
	History   *history.Store
	Composer  *composer.Composer
	Recorder  Recorder
	Logger    *slog.Logger
}

// Options tune retrieval and generation.
type Options struct {
	TopK              int
	MinScoreEnabled   bool
	MinScore          float64
	GenerationTimeout time.Duration
	SearchMaxResults  int
	AssistantName     string
	Model             string
}

// Request is one question addressed to the assistant.
type Request struct {
	ConversationID string
	Sender         string
	Query          string
	ReplyContext   string
}

// Response is the user-facing outcome of Respond.
type Response struct {
	InteractionID string `json:"interaction_id"`
	Text          string `json:"text"`
	Status        string `json:"status"`
	PassageIDs    []int  `json:"passage_ids"`
}

// Orchestrator runs retrieval and generation for chat requests. It is safe
// for concurrent use.
type Orchestrator struct {
	corpus    *retrieval.Corpus
	embedder  QueryEmbedder
	generator Generator
	history   *history.Store
	composer  *composer.Composer
	recorder  Recorder
	logger    *slog.Logger
	opts      Options

	unavailable atomic.Pointer[error]
}

// New creates an Orchestrator. Zero option values fall back to top-k 5,
// a 60s generation timeout and three keyword results.
func New(d Deps, opts Options) *Orchestrator {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 60 * time.Second
	}
	if opts.SearchMaxResults <= 0 {
		opts.SearchMaxResults = 3
	}
	if opts.AssistantName == "" {
		opts.AssistantName = "Atifeh"
	}
	if d.History == nil {
		d.History = history.New(history.DefaultCapacity)
	}
	if d.Composer == nil {
		d.Composer = composer.New(opts.AssistantName, 0)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		corpus:    d.Corpus,
		embedder:  d.Embedder,
		generator: d.Generator,
		history:   d.History,
		composer:  d.Composer,
		recorder:  d.Recorder,
		logger:    d.Logger,
		opts:      opts,
	}
}

// Corpus returns the loaded corpus, nil if none.
func (o *Orchestrator) Corpus() *retrieval.Corpus { return o.corpus }

// History returns the conversation buffer.
func (o *Orchestrator) History() *history.Store { return o.history }

// MarkUnavailable disables question answering. Used when the corpus fails
// validation at startup or a dimension mismatch shows up while ranking.
// The first cause wins.
func (o *Orchestrator) MarkUnavailable(cause error) {
	if o.unavailable.CompareAndSwap(nil, &cause) {
		o.logger.Error("retrieval disabled", "error", cause)
	}
}

// Unavailable returns the cause when question answering is disabled.
func (o *Orchestrator) Unavailable() error {
	if p := o.unavailable.Load(); p != nil {
		return *p
	}
	return nil
}

// Answer runs embed, rank, history read and append, then assembly. It
// returns the first failing step's error; the conversation buffer is only
// touched after ranking succeeds.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (composer.Payload, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return composer.Payload{}, ErrEmptyQuery
	}
	results, err := o.rank(ctx, query, o.opts.TopK)
	if err != nil {
		return composer.Payload{}, err
	}
	if o.opts.MinScoreEnabled {
		results = filterByScore(results, o.opts.MinScore)
	}

	hist := o.history.Read(req.ConversationID)
	o.history.Append(req.ConversationID, history.Entry{Speaker: req.Sender, Text: query})

	return o.composer.Assemble(query, results, hist, req.ReplyContext), nil
}

// Respond answers req and converts every failure into a user-facing
// message. It never returns an error and records the interaction when a
// Recorder is configured.
func (o *Orchestrator) Respond(ctx context.Context, req Request) (resp Response) {
	start := time.Now()
	in := storage.Interaction{
		ID:             uuid.NewString(),
		CreatedAt:      start.UTC(),
		ConversationID: req.ConversationID,
		UserQuery:      req.Query,
		Model:          o.opts.Model,
	}
	log := o.logger.With("conversation", req.ConversationID, "interaction", in.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("respond panicked", "panic", r)
			resp = Response{Text: ApologyMessage, Status: storage.StatusFailed}
		}
		resp.InteractionID = in.ID
		in.Response = resp.Text
		in.Status = resp.Status
		in.PassageIDs = resp.PassageIDs
		in.LatencyMs = time.Since(start).Milliseconds()
		o.record(log, in)
	}()

	payload, err := o.Answer(ctx, req)
	if err != nil {
		return o.failure(log, err)
	}
	in.Prompt = payload.UserPrompt()

	if !payload.Grounded {
		log.Info("no grounding passages", "query_len", len(req.Query))
		o.history.Append(req.ConversationID, history.Entry{Speaker: o.opts.AssistantName, Text: NotFoundMessage})
		return Response{Text: NotFoundMessage, Status: storage.StatusNotFound}
	}

	text, err := o.generate(ctx, payload.SystemPrompt(), payload.UserPrompt())
	if err != nil {
		return o.failure(log, err)
	}

	o.history.Append(req.ConversationID, history.Entry{Speaker: o.opts.AssistantName, Text: text})
	log.Info("answered", "passages", len(payload.Passages), "latency_ms", time.Since(start).Milliseconds())
	return Response{Text: text, Status: storage.StatusAnswered, PassageIDs: payload.PassageIDs()}
}

// Semantic returns the topK passages closest to query, bypassing generation.
func (o *Orchestrator) Semantic(ctx context.Context, query string, topK int) ([]retrieval.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = o.opts.TopK
	}
	return o.rank(ctx, query, topK)
}

// Summarize asks the generator for a short summary of the conversation.
func (o *Orchestrator) Summarize(ctx context.Context, conversationID string) (string, error) {
	entries := o.history.Read(conversationID)
	if len(entries) == 0 {
		return "", ErrNoHistory
	}
	system, prompt := composer.SummaryPrompt(entries)
	return o.generate(ctx, system, prompt)
}

func (o *Orchestrator) rank(ctx context.Context, query string, topK int) ([]retrieval.Result, error) {
	if cause := o.Unavailable(); cause != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, cause)
	}
	vec, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	results, err := retrieval.Rank(vec, o.corpus, topK)
	if errors.Is(err, retrieval.ErrDimensionMismatch) {
		o.MarkUnavailable(err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("ranking passages: %w", err)
	}
	return results, nil
}

func (o *Orchestrator) generate(ctx context.Context, system, prompt string) (string, error) {
	if o.generator == nil {
		return "", fmt.Errorf("%w: no generator configured", ErrGeneration)
	}
	genCtx, cancel := context.WithTimeout(ctx, o.opts.GenerationTimeout)
	defer cancel()

	text, err := o.generator.Generate(genCtx, system, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w: %w", ErrGeneration, retrieval.ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty response", ErrGeneration)
	}
	return text, nil
}

func (o *Orchestrator) failure(log *slog.Logger, err error) Response {
	if errors.Is(err, ErrUnavailable) {
		log.Warn("request refused, retrieval unavailable", "error", err)
		return Response{Text: UnavailableMessage, Status: storage.StatusFailed}
	}
	if errors.Is(err, ErrEmptyQuery) {
		return Response{Status: storage.StatusFailed}
	}
	log.Error("request failed", "error", err)
	return Response{Text: ApologyMessage, Status: storage.StatusFailed}
}

func (o *Orchestrator) record(log *slog.Logger, in storage.Interaction) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.SaveInteraction(in); err != nil {
		log.Warn("failed to record interaction", "error", err)
	}
}

func filterByScore(results []retrieval.Result, minScore float64) []retrieval.Result {
	kept := results[:0:0]
	for _, r := range results {
		if r.Score >= minScore {
			kept = append(kept, r)
		}
	}
	return kept
}
