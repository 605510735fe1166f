package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction statuses.
const (
	StatusAnswered = "answered"
	StatusNotFound = "not_found"
	StatusFailed   = "failed"
)

// Interaction is the audit record of one answered (or failed) question.
// It is never read back into prompts.
type Interaction struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	ConversationID string    `json:"conversation_id"`
	UserQuery      string    `json:"user_query"`
	Prompt         string    `json:"prompt,omitempty"`
	Model          string    `json:"model,omitempty"`
	Response       string    `json:"response"`
	Status         string    `json:"status"`
	PassageIDs     []int     `json:"passage_ids"`
	LatencyMs      int64     `json:"latency_ms"`
}

// Job is a unit of background work in the jobs table.
type Job struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	PayloadJSON string    `json:"payload"`
	Status      string    `json:"status"` // "pending", "running", "completed", "failed"
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunAfter    time.Time `json:"run_after"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   string    `json:"last_error,omitempty"`
}
