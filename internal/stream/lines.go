package stream

import (
	"bytes"
)

// LineBuffer turns arbitrary output chunks into complete lines.
// The unterminated tail of the last chunk is kept until a later chunk
// completes it. It is not safe for concurrent use.
type LineBuffer struct {
	pending []byte
}

// Feed consumes chunk and returns every line it completes, in order.
// Line breaks are "\n"; a trailing "\r" is stripped so "\r\n" works too.
func (b *LineBuffer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}

	var lines []string
	for {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			b.pending = append(b.pending, chunk...)
			return lines
		}

		var line []byte
		if len(b.pending) > 0 {
			line = append(b.pending, chunk[:i]...)
			b.pending = nil
		} else {
			line = chunk[:i]
		}
		lines = append(lines, string(bytes.TrimSuffix(line, []byte{'\r'})))
		chunk = chunk[i+1:]
	}
}

// Pending returns the buffered fragment not yet terminated by a line break.
func (b *LineBuffer) Pending() string {
	return string(b.pending)
}

// Reset discards the buffered fragment.
func (b *LineBuffer) Reset() {
	b.pending = nil
}
