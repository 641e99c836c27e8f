package expression

import (
	"strings"
	"unicode/utf8"
)

// unquote decodes %XX escapes. Sequences that are not a valid escape are
// kept verbatim, and '+' is not treated as a space. Decoded bytes that do
// not form valid UTF-8 become U+FFFD, one per invalid byte.
func unquote(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	var run []byte
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, okHi := unhex(s[i+1])
			lo, okLo := unhex(s[i+2])
			if okHi && okLo {
				run = append(run, hi<<4|lo)
				i += 2
				continue
			}
		}
		flushDecoded(&b, run)
		run = run[:0]
		b.WriteByte(s[i])
	}
	flushDecoded(&b, run)
	return b.String()
}

// flushDecoded writes a run of unescaped bytes, replacing invalid UTF-8.
func flushDecoded(b *strings.Builder, run []byte) {
	for len(run) > 0 {
		r, size := utf8.DecodeRune(run)
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
		} else {
			b.Write(run[:size])
		}
		run = run[size:]
	}
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
