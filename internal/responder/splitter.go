package responder

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SentenceSplitter cuts a token stream into speakable sentences. A sentence
// ends at a run of . ? ! : ; followed by whitespace or the end of the
// buffer. A lone period right after a digit at the end of the buffer waits
// for the next token. Full-width terminators end a sentence unconditionally.
type SentenceSplitter struct {
	buf strings.Builder
}

func (s *SentenceSplitter) Push(token string) []string {
	s.buf.WriteString(token)
	text := s.buf.String()

	var out []string
	for {
		end := sentenceBoundary(text)
		if end < 0 {
			break
		}
		if sentence := strings.TrimSpace(text[:end]); sentence != "" {
			out = append(out, sentence)
		}
		text = strings.TrimLeftFunc(text[end:], unicode.IsSpace)
	}
	s.buf.Reset()
	s.buf.WriteString(text)
	return out
}

// Flush returns whatever remains once the stream has completed.
func (s *SentenceSplitter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

func sentenceBoundary(text string) int {
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case isFullWidthTerminator(r):
			j := i + size
			for j < len(text) {
				next, n := utf8.DecodeRuneInString(text[j:])
				if !isFullWidthTerminator(next) {
					break
				}
				j += n
			}
			return j
		case isTerminator(r):
			j := i + size
			for j < len(text) && isTerminator(rune(text[j])) {
				j++
			}
			if j == len(text) {
				// "3." may be the front half of a decimal split across tokens.
				if j == i+1 && r == '.' && i > 0 && isDigit(text[i-1]) {
					return -1
				}
				return j
			}
			next, _ := utf8.DecodeRuneInString(text[j:])
			if unicode.IsSpace(next) {
				return j
			}
			i = j
		default:
			i += size
		}
	}
	return -1
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '?', '!', ':', ';':
		return true
	}
	return false
}

func isFullWidthTerminator(r rune) bool {
	switch r {
	case '。', '？', '！':
		return true
	}
	return false
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
