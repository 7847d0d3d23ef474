package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// words returns n distinct whitespace-separated words.
func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func TestNew(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		c, err := New(DefaultSize, DefaultOverlap)
		require.NoError(t, err)
		assert.Equal(t, 500, c.Size())
		assert.Equal(t, 50, c.Overlap())
	})

	tests := []struct {
		name    string
		size    int
		overlap int
	}{
		{"zero size", 0, 0},
		{"negative overlap", 10, -1},
		{"overlap equals size", 10, 10},
		{"overlap exceeds size", 10, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.size, tt.overlap)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestSplit_CountMatchesFormula(t *testing.T) {
	c, err := New(500, 50)
	require.NoError(t, err)

	tests := []struct {
		words int
		want  int
	}{
		{0, 0},
		{1, 1},
		{10, 1},
		{500, 1},
		{501, 2},
		{950, 2},
		{951, 3},
		{1000, 3},
		{1200, 3},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d words", tt.words), func(t *testing.T) {
			got := c.Split(words(tt.words))
			assert.Len(t, got, tt.want)
			assert.Equal(t, tt.want, c.Count(tt.words))
		})
	}
}

func TestSplit_WindowsOverlap(t *testing.T) {
	c, err := New(4, 1)
	require.NoError(t, err)

	got := c.Split("a b c d e f g")
	assert.Equal(t, []string{"a b c d", "d e f g"}, got)
}

func TestSplit_FinalPartialWindow(t *testing.T) {
	c, err := New(4, 1)
	require.NoError(t, err)

	got := c.Split("a b c d e f g h")
	assert.Equal(t, []string{"a b c d", "d e f g", "g h"}, got)
}

func TestSplit_NormalisesWhitespace(t *testing.T) {
	c, err := New(3, 0)
	require.NoError(t, err)

	got := c.Split("  one\ttwo\n\nthree   four  ")
	assert.Equal(t, []string{"one two three", "four"}, got)
}

func TestSplit_WhitespaceOnly(t *testing.T) {
	c, err := New(DefaultSize, DefaultOverlap)
	require.NoError(t, err)

	assert.Empty(t, c.Split(" \n\t "))
}

func TestSplit_Deterministic(t *testing.T) {
	c, err := New(DefaultSize, DefaultOverlap)
	require.NoError(t, err)

	text := words(1234)
	assert.Equal(t, c.Split(text), c.Split(text))
}

func TestSplit_LargeOverlapStillTerminates(t *testing.T) {
	c, err := New(10, 9)
	require.NoError(t, err)

	got := c.Split(words(15))
	assert.Len(t, got, 6)
	assert.Equal(t, c.Count(15), len(got))
	assert.True(t, strings.HasSuffix(got[len(got)-1], "w14"))
}
