// Package chunker splits extracted text into overlapping word windows, the
// unit of embedding and retrieval.
package chunker

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultSize is the default number of words per chunk.
const DefaultSize = 500

// DefaultOverlap is the default number of words shared by adjacent chunks.
const DefaultOverlap = 50

// ErrInvalidConfig is returned by New when size and overlap cannot produce
// forward progress.
var ErrInvalidConfig = errors.New("chunker: invalid configuration")

// Chunker produces deterministic word windows. It holds no state between
// calls and is safe for concurrent use.
type Chunker struct {
	size    int
	overlap int
}

// New returns a Chunker with windows of size words starting every
// size-overlap words. overlap must be non-negative and strictly less than size.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d must be positive", ErrInvalidConfig, size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: overlap %d must not be negative", ErrInvalidConfig, overlap)
	}
	if size-overlap <= 0 {
		return nil, fmt.Errorf("%w: overlap %d must be less than size %d", ErrInvalidConfig, overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the window size in words.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the number of shared words between adjacent windows.
func (c *Chunker) Overlap() int { return c.overlap }

// Split tokenizes text on whitespace and returns the windows in order; the
// index of a window is its chunk ordinal. Words are re-joined with a single
// space. Splitting stops at the first window that reaches the last word, so
// no window is a strict suffix of its predecessor.
func (c *Chunker) Split(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := c.size - c.overlap
	chunks := make([]string, 0, c.Count(len(words)))
	for start := 0; start < len(words); start += step {
		end := min(start+c.size, len(words))
		if chunk := strings.TrimSpace(strings.Join(words[start:end], " ")); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(words) {
			break
		}
	}
	return chunks
}

// Count returns the number of windows Split produces for a text of w words:
// zero for no words, otherwise max(1, ceil((w-overlap)/(size-overlap))).
func (c *Chunker) Count(w int) int {
	if w <= 0 {
		return 0
	}
	step := c.size - c.overlap
	n := (w - c.overlap + step - 1) / step
	return max(n, 1)
}
