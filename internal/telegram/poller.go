package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/kalambet/thesisrag/internal/bot"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollTimeout = 30
	defaultWorkers     = 8
	pollRetryDelay     = 3 * time.Second
)

// Handler handles one chat message.
type Handler interface {
	Handle(ctx context.Context, msg bot.Message) bot.Outcome
	SetUsername(username string)
}

// PollerConfig tunes a Poller.
type PollerConfig struct {
	// PollTimeout is the getUpdates long-poll wait in seconds.
	PollTimeout int
	// Workers bounds the number of messages handled at once.
	Workers int
}

// Poller receives updates by long polling and dispatches each message to
// the handler in its own goroutine.
type Poller struct {
	client  *Client
	handler Handler
	cfg     PollerConfig
	logger  *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(c *Client, h Handler, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{client: c, handler: h, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled and waits for in-flight messages before
// returning. It fails fast only when the bot identity cannot be fetched.
func (p *Poller) Run(ctx context.Context) error {
	me, err := p.client.GetMe(ctx)
	if err != nil {
		return err
	}
	p.handler.SetUsername(me.Username)
	p.logger.Info("telegram bot online", "username", me.Username)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	var offset int64
	for gCtx.Err() == nil {
		updates, err := p.client.GetUpdates(gCtx, offset, p.cfg.PollTimeout)
		if err != nil {
			if gCtx.Err() != nil {
				break
			}
			delay := pollRetryDelay
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				delay = apiErr.RetryAfter
			}
			p.logger.Warn("polling error", "error", err, "retry_in", delay)
			select {
			case <-gCtx.Done():
			case <-time.After(delay):
			}
			continue
		}

		for _, u := range updates {
			offset = max(offset, u.UpdateID+1)
			if u.Message == nil {
				continue
			}
			msg := *u.Message
			g.Go(func() error {
				p.dispatch(gCtx, msg)
				return nil
			})
		}
	}

	g.Wait()
	return nil
}

func (p *Poller) dispatch(ctx context.Context, m Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("message handler panicked", "chat", m.Chat.ID, "panic", r)
		}
	}()

	out := p.handler.Handle(ctx, ToBotMessage(m))
	if out.Reply == "" {
		return
	}
	if err := p.client.SendMessage(ctx, m.Chat.ID, out.Reply, out.ReplyTo); err != nil {
		p.logger.Error("sending reply failed", "chat", m.Chat.ID, "kind", out.Kind.String(), "error", err)
	}
}

// ToBotMessage converts a Telegram message to the transport-neutral form.
// The chat id becomes the conversation id.
func ToBotMessage(m Message) bot.Message {
	out := bot.Message{
		ConversationID: strconv.FormatInt(m.Chat.ID, 10),
		MessageID:      m.MessageID,
		Sender:         displayName(m.From),
		Text:           m.Text,
	}
	if r := m.ReplyToMessage; r != nil && r.Text != "" {
		out.ReplyToSender = displayName(r.From)
		out.ReplyToText = r.Text
	}
	return out
}

func displayName(u *User) string {
	if u == nil {
		return ""
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Username
}
