// Package telegram is a minimal Telegram Bot API client and long-polling
// transport for the chat bot.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	requestTimeout = 30 * time.Second

	// MaxMessageLength is the Bot API limit for one message, in characters.
	MaxMessageLength = 4096
)

// APIError is a Bot API failure with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Client talks to the Telegram Bot API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the bot token.
func NewClient(token string) *Client {
	return NewClientWithBaseURL(token, defaultBaseURL)
}

// NewClientWithBaseURL creates a client pointing at a custom API server.
func NewClientWithBaseURL(token, baseURL string) *Client {
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, "getMe", struct{}{}, &u, requestTimeout)
	return u, err
}

// GetUpdates long-polls for message updates starting at offset. timeout is
// the server-side wait in seconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	req := getUpdatesRequest{Offset: offset, Timeout: timeout, AllowedUpdates: []string{"message"}}
	var updates []Update
	err := c.call(ctx, "getUpdates", req, &updates, time.Duration(timeout)*time.Second+requestTimeout)
	return updates, err
}

// SendMessage sends text to a chat, split into parts of at most
// MaxMessageLength characters. The first part replies to replyTo when it is
// non-zero.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error {
	for i, part := range SplitMessage(text, MaxMessageLength) {
		req := sendMessageRequest{ChatID: chatID, Text: part}
		if i == 0 && replyTo != 0 {
			req.ReplyParameters = &replyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
		}
		if err := c.call(ctx, "sendMessage", req, nil, requestTimeout); err != nil {
			return err
		}
	}
	return nil
}

// SendChatAction shows a status such as "typing" in the chat.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.call(ctx, "sendChatAction", sendChatActionRequest{ChatID: chatID, Action: action}, nil, requestTimeout)
}

// Typing sends the typing action to the chat named by conversationID.
// Failures are ignored; the indicator is cosmetic.
func (c *Client) Typing(ctx context.Context, conversationID string) {
	id, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return
	}
	_ = c.SendChatAction(ctx, id, "typing")
}

func (c *Client) call(ctx context.Context, method string, payload, out any, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", method, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.baseURL + "/bot" + c.token + "/" + method
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// The URL carries the token; keep it out of logs.
		return fmt.Errorf("telegram %s: %w", method, redact(err, c.token))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return fmt.Errorf("decoding %s response (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if !ar.OK {
		apiErr := &APIError{Method: method, Code: ar.ErrorCode, Description: ar.Description}
		if ar.Parameters != nil {
			apiErr.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(ar.Result, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), cause: err}
}

// SplitMessage cuts text into parts of at most limit runes, preferring to
// break after a newline in the second half of a part.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
