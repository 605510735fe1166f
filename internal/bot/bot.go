// Package bot routes chat messages to the retrieval orchestrator. It knows
// nothing about a particular chat network; transports translate their
// updates into Message values and send back the Outcome.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kalambet/thesisrag/internal/history"
	"github.com/kalambet/thesisrag/internal/pipeline"
)

// Kind tells what a message was handled as.
type Kind int

const (
	KindIgnored Kind = iota
	KindAnswer
	KindSearch
	KindSummary
)

func (k Kind) String() string {
	switch k {
	case KindAnswer:
		return "answer"
	case KindSearch:
		return "search"
	case KindSummary:
		return "summary"
	default:
		return "ignored"
	}
}

// Message is an incoming chat message.
type Message struct {
	ConversationID string
	MessageID      int64
	Sender         string
	Text           string
	ReplyToSender  string
	ReplyToText    string
}

// Outcome is what the transport should send back. Reply is empty for
// ignored messages.
type Outcome struct {
	Reply   string
	ReplyTo int64
	Kind    Kind
}

// Typist shows a "typing" indicator in a conversation.
type Typist interface {
	Typing(ctx context.Context, conversationID string)
}

// Assistant is the part of the orchestrator the bot drives.
type Assistant interface {
	Respond(ctx context.Context, req pipeline.Request) pipeline.Response
	Search(keyword string) (pipeline.SearchReport, error)
	Summarize(ctx context.Context, conversationID string) (string, error)
}

// Options configure a Bot.
type Options struct {
	// Username is the bot's handle without the leading "@". Without it
	// only commands are answered.
	Username         string
	SearchMaxResults int
	Typist           Typist
	Logger           *slog.Logger
}

// Bot turns chat messages into orchestrator calls. It is safe for
// concurrent use.
type Bot struct {
	assistant Assistant
	history   *history.Store
	opts      Options
	mention   *regexp.Regexp
	logger    *slog.Logger
}

// New creates a Bot.
func New(a Assistant, hist *history.Store, opts Options) *Bot {
	b := &Bot{assistant: a, history: hist, opts: opts, logger: opts.Logger}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if opts.Username != "" {
		b.mention = regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(opts.Username) + `\b`)
	}
	return b
}

// SetUsername sets the mention handle after construction, once the
// transport has learned it.
func (b *Bot) SetUsername(username string) {
	b.opts.Username = username
	if username == "" {
		b.mention = nil
		return
	}
	b.mention = regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(username) + `\b`)
}

// Handle processes one message.
func (b *Bot) Handle(ctx context.Context, msg Message) Outcome {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Outcome{}
	}
	if strings.HasPrefix(text, "/") {
		return b.command(ctx, msg, text)
	}

	if b.mention == nil || !b.mention.MatchString(text) {
		b.history.Append(msg.ConversationID, history.Entry{Speaker: sender(msg), Text: text})
		return Outcome{}
	}
	query := strings.TrimSpace(b.mention.ReplaceAllString(text, ""))
	if query == "" {
		return Outcome{}
	}
	return b.ask(ctx, msg, query)
}

func (b *Bot) command(ctx context.Context, msg Message, text string) Outcome {
	name, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	if cmd, target, ok := strings.Cut(name, "@"); ok {
		if !strings.EqualFold(target, b.opts.Username) {
			return Outcome{}
		}
		name = cmd
	}

	switch name {
	case "/search", "/بگرد":
		return b.search(msg, arg)
	case "/summary", "/خلاصه":
		return b.summary(ctx, msg)
	case "/ask":
		if arg == "" {
			return Outcome{}
		}
		return b.ask(ctx, msg, arg)
	default:
		return Outcome{}
	}
}

func (b *Bot) ask(ctx context.Context, msg Message, query string) Outcome {
	b.logger.Info("question received", "conversation", msg.ConversationID, "sender", sender(msg))
	b.typing(ctx, msg.ConversationID)

	req := pipeline.Request{
		ConversationID: msg.ConversationID,
		Sender:         sender(msg),
		Query:          query,
		ReplyContext:   replyContext(msg),
	}
	resp := b.assistant.Respond(ctx, req)
	if resp.Text == "" {
		return Outcome{}
	}
	return Outcome{Reply: resp.Text, ReplyTo: msg.MessageID, Kind: KindAnswer}
}

func (b *Bot) search(msg Message, keyword string) Outcome {
	if keyword == "" {
		return Outcome{}
	}
	b.logger.Info("keyword search", "conversation", msg.ConversationID, "keyword", keyword)

	report, err := b.assistant.Search(keyword)
	switch {
	case errors.Is(err, pipeline.ErrUnavailable):
		return Outcome{Reply: pipeline.UnavailableMessage, ReplyTo: msg.MessageID, Kind: KindSearch}
	case err != nil:
		b.logger.Error("keyword search failed", "error", err)
		return Outcome{Reply: pipeline.ApologyMessage, ReplyTo: msg.MessageID, Kind: KindSearch}
	}
	return Outcome{Reply: report.Format(b.opts.SearchMaxResults), ReplyTo: msg.MessageID, Kind: KindSearch}
}

func (b *Bot) summary(ctx context.Context, msg Message) Outcome {
	b.logger.Info("summary requested", "conversation", msg.ConversationID)
	b.typing(ctx, msg.ConversationID)

	text, err := b.assistant.Summarize(ctx, msg.ConversationID)
	switch {
	case errors.Is(err, pipeline.ErrNoHistory):
		text = pipeline.NoHistoryMessage
	case err != nil:
		b.logger.Error("summary failed", "conversation", msg.ConversationID, "error", err)
		text = pipeline.SummaryFailedMessage
	}
	return Outcome{Reply: text, ReplyTo: msg.MessageID, Kind: KindSummary}
}

func (b *Bot) typing(ctx context.Context, conversationID string) {
	if b.opts.Typist != nil {
		b.opts.Typist.Typing(ctx, conversationID)
	}
}

func sender(msg Message) string {
	if msg.Sender == "" {
		return "User"
	}
	return msg.Sender
}

func replyContext(msg Message) string {
	if strings.TrimSpace(msg.ReplyToText) == "" {
		return ""
	}
	from := msg.ReplyToSender
	if from == "" {
		from = "User"
	}
	return fmt.Sprintf("%s: %s", from, msg.ReplyToText)
}
