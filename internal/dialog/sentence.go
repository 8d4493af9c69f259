package dialog

import "strings"

// splitter accumulates streamed model text and yields complete sentences as
// soon as their boundary arrives, so synthesis can start before the model
// finishes. A boundary is '.', '!' or '?' immediately followed by whitespace.
type splitter struct {
	buf strings.Builder
}

// push adds streamed text and returns the complete sentences now available.
func (s *splitter) push(text string) []string {
	s.buf.WriteString(text)

	var out []string
	for {
		idx := sentenceBoundary(s.buf.String())
		if idx < 0 {
			return out
		}
		whole := s.buf.String()
		out = append(out, whole[:idx+1])
		s.buf.Reset()
		s.buf.WriteString(strings.TrimLeft(whole[idx+1:], " \t\n\r"))
	}
}

// flush returns the trailing partial sentence, if any, and resets.
func (s *splitter) flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
