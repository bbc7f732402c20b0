package textproc

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%04d", i)
	}
	return strings.Join(w, " ")
}

func TestNewSplitter(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		overlap     int
		wantSize    int
		wantOverlap int
		wantErr     error
	}{
		{name: "explicit", size: 500, overlap: 50, wantSize: 500, wantOverlap: 50},
		{name: "zero size defaults", size: 0, overlap: 200, wantSize: 1000, wantOverlap: 200},
		{name: "negative overlap clamps", size: 100, overlap: -1, wantSize: 100, wantOverlap: 0},
		{name: "overlap not smaller", size: 100, overlap: 100, wantErr: ErrInvalidOverlap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSplitter(tt.size, tt.overlap)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSize, s.ChunkSize)
			assert.Equal(t, tt.wantOverlap, s.ChunkOverlap)
		})
	}
}

func TestSplit_ShortText(t *testing.T) {
	s := DefaultSplitter()

	assert.Equal(t, []string{"Today was good."}, s.Split("  Today was good.\n"))
	assert.Empty(t, s.Split(""))
	assert.Empty(t, s.Split(" \n\n "))
}

func TestSplit_PrefersParagraphs(t *testing.T) {
	s := DefaultSplitter()
	p1 := strings.Repeat("a", 600)
	p2 := strings.Repeat("b", 600)

	chunks := s.Split(p1 + "\n\n" + p2)

	assert.Equal(t, []string{p1, p2}, chunks)
}

func TestSplit_WordsWithOverlap(t *testing.T) {
	s := DefaultSplitter()
	text := words(600) // 3599 characters

	chunks := s.Split(text)
	require.Greater(t, len(chunks), 3)

	for i, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 1000, "chunk %d", i)
		assert.Equal(t, c, strings.TrimSpace(c))
	}

	for i := 1; i < len(chunks); i++ {
		first := strings.Fields(chunks[i])[0]
		assert.Contains(t, chunks[i-1], first, "chunk %d should start inside chunk %d", i, i-1)
	}

	assert.True(t, strings.HasPrefix(chunks[0], "w0000 "))
	assert.True(t, strings.HasSuffix(chunks[len(chunks)-1], "w0599"))
}

func TestSplit_NoSeparators(t *testing.T) {
	s := DefaultSplitter()
	text := strings.Repeat("x", 2500)

	chunks := s.Split(text)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 1000)
	assert.Len(t, chunks[1], 1000)
	assert.Len(t, chunks[2], 900)
}

func TestSplit_CountsRunes(t *testing.T) {
	s, err := NewSplitter(10, 2)
	require.NoError(t, err)

	chunks := s.Split(strings.Repeat("é", 25))

	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 10)
	}
	assert.Equal(t, 10, utf8.RuneCountInString(chunks[0]))
}

func TestSplitKeep(t *testing.T) {
	tests := []struct {
		text string
		sep  string
		want []string
	}{
		{text: "a b c", sep: " ", want: []string{"a", " b", " c"}},
		{text: " a", sep: " ", want: []string{" a"}},
		{text: "a\n\nb", sep: "\n\n", want: []string{"a", "\n\nb"}},
		{text: "ab", sep: "", want: []string{"a", "b"}},
	}

	for _, tt := range tests {
		got := splitKeep(tt.text, tt.sep)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.text, strings.Join(got, ""))
	}
}
