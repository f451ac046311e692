package chunk

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func splitStrings(t *testing.T, s *Splitter, content string) []string {
	t.Helper()
	pieces, err := s.Split([]byte(content), true)
	require.NoError(t, err)
	out := make([]string, len(pieces))
	for i, p := range pieces {
		out[i] = string(p)
	}
	return out
}

func TestSplitter_BlankLineBeforeLongLine(t *testing.T) {
	s := NewSplitter(SplitterConfig{MinSize: 20, LongLineThreshold: 250})

	first := "first paragraph of the note\n\n"
	long := strings.Repeat("x", 300) + "\n"
	tail := "tail line\n"

	got := splitStrings(t, s, first+long+tail)
	assert.Equal(t, []string{first, long, tail}, got)
}

func TestSplitter_ShortParagraphBeforeLongLine(t *testing.T) {
	s := NewSplitter(SplitterConfig{MinSize: 20, LongLineThreshold: 250})

	long := strings.Repeat("line2-long-run", 30) + "\n"
	got := splitStrings(t, s, "line1\n\n"+long)
	assert.Equal(t, []string{"line1\n\n", long}, got)

	got = splitStrings(t, s, "line1\r\n\r\n"+long)
	assert.Equal(t, []string{"line1\r\n\r\n", long}, got)

	// a short line after the blank keeps the minimum
	short := "line1\n\nshort\n" + long
	assert.NotEqual(t, "line1\n\n", splitStrings(t, s, short)[0])
}

func TestSplitter_NoSplitBelowMinimum(t *testing.T) {
	s := NewSplitter(SplitterConfig{MinSize: 20})
	got := splitStrings(t, s, "a\n\nb\n\nc")
	assert.Equal(t, []string{"a\n\nb\n\nc"}, got)
}

func TestSplitter_Boundaries(t *testing.T) {
	s := NewSplitter(SplitterConfig{MinSize: 10})

	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "markdown heading",
			content: "intro text that is long enough\n# Heading\nbody text here ok",
			want:    []string{"intro text that is long enough\n", "# Heading\nbody text here ok"},
		},
		{
			name:    "crlf blank line",
			content: "windows paragraph one\r\n\r\nsecond",
			want:    []string{"windows paragraph one\r\n\r\n", "second"},
		},
		{
			name:    "nearest boundary wins",
			content: "0123456789ab\n# h\n\nrest of the text",
			want:    []string{"0123456789ab\n", "# h\n\nrest of the text"},
		},
		{
			name:    "no boundary",
			content: "one single line without breaks",
			want:    []string{"one single line without breaks"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitStrings(t, s, tt.content))
		})
	}
}

func TestSplitter_LongLineSplitsAtNewline(t *testing.T) {
	s := NewSplitter(SplitterConfig{MinSize: 5, LongLineThreshold: 16})

	long := strings.Repeat("y", 40) + "\n"
	got := splitStrings(t, s, long+"next line\nmore")
	assert.Equal(t, []string{long, "next line\nmore"}, got)
}

func TestSplitter_ForcedSplitKeepsRunes(t *testing.T) {
	s := NewSplitter(SplitterConfig{MinSize: 2, MaxSize: 10})

	content := "a" + strings.Repeat("é", 20)
	pieces, err := s.Split([]byte(content), true)
	require.NoError(t, err)
	require.Greater(t, len(pieces), 1)

	for _, p := range pieces {
		assert.LessOrEqual(t, len(p), 10)
		assert.True(t, utf8.Valid(p), "piece %q cuts a rune", p)
	}
	assert.Equal(t, content, string(bytes.Join(pieces, nil)))
}

func TestSplitter_Deterministic(t *testing.T) {
	s := NewSplitter(SplitterConfig{MinSize: 20, LongLineThreshold: 250, MaxSize: 512})

	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("## Section\n\nSome paragraph text with words.\n")
		if i%7 == 0 {
			b.WriteString(strings.Repeat("long ", 80) + "\n")
		}
	}
	content := b.String()

	first := splitStrings(t, s, content)
	second := splitStrings(t, s, content)
	assert.Equal(t, first, second)
	assert.Equal(t, content, strings.Join(first, ""))
}

func TestSplitter_Binary(t *testing.T) {
	s := NewSplitter(SplitterConfig{BinaryMaxSize: 100})

	content := bytes.Repeat([]byte{0xAB}, 250)
	pieces, err := s.Split(content, false)
	require.NoError(t, err)
	require.Len(t, pieces, 3)
	assert.Len(t, pieces[0], 100)
	assert.Len(t, pieces[1], 100)
	assert.Len(t, pieces[2], 50)
}

func TestSplitter_Empty(t *testing.T) {
	s := NewSplitter(SplitterConfig{})
	for _, plain := range []bool{true, false} {
		pieces, err := s.Split(nil, plain)
		require.NoError(t, err)
		assert.Empty(t, pieces)
	}
}
