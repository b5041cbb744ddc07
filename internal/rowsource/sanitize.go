package rowsource

import (
	"io"
	"unicode/utf8"
)

// UTF8Sanitizer replaces every byte that is not part of a valid UTF-8 sequence
// with '?'. One byte in, one byte out: the output has exactly the length of the
// input, so byte offsets computed on the sanitized stream are file offsets.
type UTF8Sanitizer struct {
	r io.Reader

	// Trailing bytes of the previous read that may start a multi-byte sequence.
	pending []byte
}

// NewUTF8Sanitizer wraps r.
func NewUTF8Sanitizer(r io.Reader) *UTF8Sanitizer {
	return &UTF8Sanitizer{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

// Read implements io.Reader.
func (s *UTF8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	offset := 0
	if len(s.pending) > 0 {
		offset = copy(p, s.pending)
		s.pending = s.pending[:0]
	}

	n, err := s.r.Read(p[offset:])
	n += offset
	if n == 0 {
		return 0, err
	}

	if ascii(p[:n]) {
		return n, err
	}
	return s.sanitize(p[:n], err == io.EOF), err
}

func ascii(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// sanitize rewrites data in place and returns how many bytes are ready. An incomplete
// sequence at the end is held back for the next read unless atEOF.
func (s *UTF8Sanitizer) sanitize(data []byte, atEOF bool) int {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			if !atEOF && !utf8.FullRune(data[i:]) {
				s.pending = append(s.pending, data[i:]...)
				return i
			}
			data[i] = '?'
		}
		i += size
	}
	return len(data)
}
