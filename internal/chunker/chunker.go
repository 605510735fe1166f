package chunker

import (
	"errors"
	"fmt"
)

// ErrInvalidConfiguration is returned when the window size and overlap cannot
// produce forward progress.
var ErrInvalidConfiguration = errors.New("invalid chunker configuration")

const (
	DefaultSize    = 1000
	DefaultOverlap = 100
)

// Chunker splits text into fixed-size windows that overlap by a constant
// number of runes. Sizes are counted in runes so multi-byte scripts are never
// cut in the middle of a character.
type Chunker struct {
	size    int
	overlap int
}

// New validates the sizing and returns a Chunker. The window must advance by
// at least one rune per step, so overlap has to be strictly smaller than size.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrInvalidConfiguration, size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: overlap must not be negative, got %d", ErrInvalidConfiguration, overlap)
	}
	if size-overlap <= 0 {
		return nil, fmt.Errorf("%w: overlap %d must be smaller than size %d", ErrInvalidConfiguration, overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the window length in runes.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the number of runes shared by consecutive windows.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk returns the windows of text in document order. The final window may
// be shorter than the configured size. Empty text yields no chunks.
func (c *Chunker) Chunk(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := c.size - c.overlap
	chunks := make([]string, 0, (len(runes)+step-1)/step)
	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
