package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// JSONFile stores a corpus as a single JSON document:
//
//	{"model": "...", "dimension": 768, "passages": [{"id": 1, "text": "...", "vector": [...]}]}
//
// It also reads the older array form [{"text": "...", "embedding": [...]}],
// where array position defines the passage id.
type JSONFile struct {
	path string
}

// NewJSONFile returns a JSONFile for path.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Path returns the file location.
func (f *JSONFile) Path() string { return f.path }

type legacyEntry struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
	Vector    []float32 `json:"vector"`
}

// ReadSnapshot parses the file. Structural problems are reported as
// ErrCorpusFormat; a missing file as ErrCorpusNotFound.
func (f *JSONFile) ReadSnapshot(_ context.Context) (Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrCorpusNotFound, f.path)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading corpus %s: %w", f.path, err)
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var entries []legacyEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCorpusFormat, f.path, err)
		}
		snap := Snapshot{Passages: make([]Passage, len(entries))}
		for i, e := range entries {
			vec := e.Embedding
			if len(vec) == 0 {
				vec = e.Vector
			}
			snap.Passages[i] = Passage{ID: i + 1, Text: e.Text, Vector: vec}
		}
		return snap, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCorpusFormat, f.path, err)
	}
	return snap, nil
}

// WriteSnapshot replaces the file atomically via a temp file and rename.
func (f *JSONFile) WriteSnapshot(_ context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding corpus: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating corpus directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".corpus-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing corpus: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing corpus: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing corpus %s: %w", f.path, err)
	}
	return nil
}
