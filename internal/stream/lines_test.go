package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func feedAll(b *LineBuffer, chunks ...string) []string {
	var out []string
	for _, c := range chunks {
		out = append(out, b.Feed([]byte(c))...)
	}
	return out
}

func TestLineBuffer_WhenSingleCompleteLine_ReturnsIt(t *testing.T) {
	t.Parallel()

	var b LineBuffer
	assert.Equal(t, []string{"hello"}, b.Feed([]byte("hello\n")))
	assert.Empty(t, b.Pending())
}

func TestLineBuffer_WhenNoLineBreak_BuffersFragment(t *testing.T) {
	t.Parallel()

	var b LineBuffer
	assert.Empty(t, b.Feed([]byte(`{"tag"`)))
	assert.Equal(t, `{"tag"`, b.Pending())
}

func TestLineBuffer_WhenManyLinesInOneChunk_ReturnsAllInOrder(t *testing.T) {
	t.Parallel()

	var b LineBuffer
	lines := b.Feed([]byte("a\nb\nc\nd"))
	assert.Equal(t, []string{"a", "b", "c"}, lines)
	assert.Equal(t, "d", b.Pending())
}

func TestLineBuffer_WhenFragmentCompletedLater_JoinsIt(t *testing.T) {
	t.Parallel()

	var b LineBuffer
	lines := feedAll(&b, `{"tag":"A","data":1}`+"\n"+`{"tag"`, `:"B"}`+"\n")
	assert.Equal(t, []string{`{"tag":"A","data":1}`, `{"tag":"B"}`}, lines)
	assert.Empty(t, b.Pending())
}

func TestLineBuffer_WhenCRLF_StripsCarriageReturn(t *testing.T) {
	t.Parallel()

	var b LineBuffer
	lines := feedAll(&b, "one\r", "\ntwo\r\n")
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestLineBuffer_WhenEmptyLines_ReturnsThemEmpty(t *testing.T) {
	t.Parallel()

	var b LineBuffer
	assert.Equal(t, []string{"", "x", ""}, b.Feed([]byte("\nx\n\n")))
}

func TestLineBuffer_WhenEmptyChunk_ReturnsNothing(t *testing.T) {
	t.Parallel()

	var b LineBuffer
	assert.Nil(t, b.Feed(nil))
	assert.Nil(t, b.Feed([]byte{}))
}

func TestLineBuffer_Reset_DropsFragment(t *testing.T) {
	t.Parallel()

	var b LineBuffer
	b.Feed([]byte("partial"))
	b.Reset()
	assert.Empty(t, b.Pending())
	assert.Equal(t, []string{"next"}, b.Feed([]byte("next\n")))
}

func TestLineBuffer_ChunkBoundariesDoNotChangeLines(t *testing.T) {
	t.Parallel()

	full := "alpha\n{\"tag\":\"B\",\"data\":{\"x\":1}}\n\nlast line with spaces \n"
	want := strings.Split(strings.TrimSuffix(full, "\n"), "\n")

	for size := 1; size <= len(full); size++ {
		var b LineBuffer
		var got []string
		for i := 0; i < len(full); i += size {
			end := min(i+size, len(full))
			got = append(got, b.Feed([]byte(full[i:end]))...)
		}
		assert.Equal(t, want, got, "chunk size %d", size)
		assert.Empty(t, b.Pending(), "chunk size %d", size)
	}
}

func TestLineBuffer_TrailingFragmentNeverEmitted(t *testing.T) {
	t.Parallel()

	var b LineBuffer
	lines := feedAll(&b, "done\n", "unterminated", " still")
	assert.Equal(t, []string{"done"}, lines)
	assert.Equal(t, "unterminated still", b.Pending())
}
