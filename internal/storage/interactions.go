package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// createdLayout is fixed width so created_at sorts correctly as text.
const createdLayout = "2006-01-02T15:04:05.000000000Z"

const interactionColumns = `id, created_at, conversation_id, user_query, prompt, model, response, status, passage_ids, latency_ms`

// SaveInteraction inserts an interaction. An empty status defaults to
// "answered" and a zero CreatedAt to now.
func (s *Store) SaveInteraction(i Interaction) error {
	if i.Status == "" {
		i.Status = StatusAnswered
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	ids, err := json.Marshal(nonNilInts(i.PassageIDs))
	if err != nil {
		return fmt.Errorf("encoding passage ids: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO interactions (`+interactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.CreatedAt.UTC().Format(createdLayout), i.ConversationID, i.UserQuery, i.Prompt,
		i.Model, i.Response, i.Status, string(ids), i.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("inserting interaction %s: %w", i.ID, err)
	}
	return nil
}

// GetInteraction returns the interaction with the given id or ErrNotFound.
func (s *Store) GetInteraction(id string) (Interaction, error) {
	row := s.db.QueryRow(`SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id)
	i, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Interaction{}, ErrNotFound
	}
	return i, err
}

// GetRecentInteractions returns up to limit interactions, newest first.
// A non-empty conversationID restricts the result to that conversation.
func (s *Store) GetRecentInteractions(conversationID string, limit int) ([]Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions`
	args := []any{}
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying interactions: %w", err)
	}
	defer rows.Close()

	var results []Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, i)
	}
	return results, rows.Err()
}

// CountInteractionsByStatus returns how many interactions have each status.
func (s *Store) CountInteractionsByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM interactions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting interactions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInteraction(sc scanner) (Interaction, error) {
	var i Interaction
	var createdAt, ids string
	if err := sc.Scan(&i.ID, &createdAt, &i.ConversationID, &i.UserQuery, &i.Prompt,
		&i.Model, &i.Response, &i.Status, &ids, &i.LatencyMs); err != nil {
		return Interaction{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Interaction{}, fmt.Errorf("parsing created_at for %s: %w", i.ID, err)
	}
	i.CreatedAt = t
	if err := json.Unmarshal([]byte(ids), &i.PassageIDs); err != nil {
		return Interaction{}, fmt.Errorf("decoding passage ids for %s: %w", i.ID, err)
	}
	return i, nil
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
