package reader

import (
	"bytes"
	"encoding/hex"
	"strings"
)

// maxLineSize bounds a line waiting for its delimiter.
const maxLineSize = 8192

// lineSplitter cuts a byte stream on \r, \n or ETX. Data past maxLineSize
// is discarded up to the next delimiter.
type lineSplitter struct {
	buf        []byte
	max        int
	overflowed bool
}

func (l *lineSplitter) feed(data []byte, fn func(line []byte)) {
	for _, b := range data {
		if b == '\n' || b == '\r' || b == 0x03 {
			if l.overflowed {
				l.overflowed = false
				l.buf = l.buf[:0]
				continue
			}
			if len(l.buf) > 0 {
				line := append([]byte(nil), l.buf...)
				l.buf = l.buf[:0]
				fn(line)
			}
			continue
		}
		if l.overflowed {
			continue
		}
		if l.max > 0 && len(l.buf) >= l.max {
			l.buf = l.buf[:0]
			l.overflowed = true
			continue
		}
		l.buf = append(l.buf, b)
	}
}

// flush hands over whatever is buffered as a final line.
func (l *lineSplitter) flush(fn func(line []byte)) {
	if l.overflowed {
		l.overflowed = false
		l.buf = l.buf[:0]
		return
	}
	if len(l.buf) > 0 {
		line := append([]byte(nil), l.buf...)
		l.buf = l.buf[:0]
		fn(line)
	}
}

// normalizeChunk turns one raw chunk into text. STX/ETX framing and
// surrounding whitespace are dropped; non-printable payloads become hex.
func normalizeChunk(data []byte) string {
	if !isText(data) {
		return strings.ToUpper(hex.EncodeToString(data))
	}
	data = bytes.Trim(data, "\x02\x03")
	return strings.TrimSpace(string(data))
}

func isText(data []byte) bool {
	for _, b := range data {
		switch {
		case b == '\r' || b == '\n' || b == '\t' || b == 0x02 || b == 0x03:
		case b < 0x20 || b > 0x7e:
			return false
		}
	}
	return true
}
