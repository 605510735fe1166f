package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

var (
	_ Source = (*SQLiteStore)(nil)
	_ Sink   = (*SQLiteStore)(nil)
)

// SQLiteStore persists a corpus in the passages and corpus_meta tables.
// Both tables are created by the storage migrations. Embeddings are stored
// as little-endian float32 blobs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already migrated *sql.DB.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// ReadSnapshot loads every passage in id order. An empty passages table
// means the corpus was never built and yields ErrCorpusNotFound.
func (s *SQLiteStore) ReadSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	metaRows, err := s.db.QueryContext(ctx, `SELECT key, value FROM corpus_meta`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("querying corpus meta: %w", err)
	}
	for metaRows.Next() {
		var k, v string
		if err := metaRows.Scan(&k, &v); err != nil {
			metaRows.Close()
			return Snapshot{}, fmt.Errorf("scanning corpus meta: %w", err)
		}
		switch k {
		case "model":
			snap.Model = v
		case "dimension":
			d, err := strconv.Atoi(v)
			if err != nil {
				metaRows.Close()
				return Snapshot{}, fmt.Errorf("%w: bad dimension %q", ErrCorpusFormat, v)
			}
			snap.Dimension = d
		}
	}
	metaRows.Close()
	if err := metaRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterating corpus meta: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, text, embedding FROM passages ORDER BY id ASC`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("querying passages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Passage
		var blob []byte
		if err := rows.Scan(&p.ID, &p.Text, &blob); err != nil {
			return Snapshot{}, fmt.Errorf("scanning passage: %w", err)
		}
		p.Vector, err = decodeFloat32s(blob)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: passage %d: %v", ErrCorpusFormat, p.ID, err)
		}
		snap.Passages = append(snap.Passages, p)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterating passages: %w", err)
	}
	if len(snap.Passages) == 0 {
		return Snapshot{}, fmt.Errorf("%w: passages table is empty", ErrCorpusNotFound)
	}
	return snap, nil
}

// WriteSnapshot replaces the stored corpus in one transaction.
func (s *SQLiteStore) WriteSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning corpus transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM passages`); err != nil {
		return fmt.Errorf("clearing passages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM corpus_meta`); err != nil {
		return fmt.Errorf("clearing corpus meta: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO passages (id, text, embedding) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range snap.Passages {
		if _, err := stmt.ExecContext(ctx, p.ID, p.Text, encodeFloat32s(p.Vector)); err != nil {
			return fmt.Errorf("inserting passage %d: %w", p.ID, err)
		}
	}

	meta := map[string]string{
		"model":     snap.Model,
		"dimension": strconv.Itoa(snap.Dimension),
		"built_at":  time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO corpus_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("writing corpus meta %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of stored passages.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&n)
	return n, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// A length that is not a multiple of 4 means the blob is corrupt.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
