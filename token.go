package ember

import (
	"strings"
	"unicode"
)

// messageOverheadTokens accounts for role and separator framing per message.
const messageOverheadTokens = 4

// latinBytesPerToken is the heuristic byte cost of one token for
// Latin-script text.
const latinBytesPerToken = 4

// EstimateTokens estimates the token count of a string. CJK characters count
// one token each; runs of Latin/whitespace text count roughly one token per
// four bytes with a floor of one token per word. The estimate is a budget
// input, never authoritative.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	var cjk, latinBytes, words int
	inWord := false
	for _, r := range s {
		switch {
		case isCJK(r):
			cjk++
			inWord = false
		case unicode.IsSpace(r):
			inWord = false
		default:
			latinBytes += runeLen(r)
			if !inWord {
				words++
				inWord = true
			}
		}
	}
	latin := latinBytes / latinBytesPerToken
	if latin < words {
		latin = words
	}
	return cjk + latin
}

// EstimateMessage estimates the token cost of one message including framing
// overhead and serialized tool calls. The result is cached on the message by
// callers that own it.
func EstimateMessage(m Message) int {
	if m.TokenEstimate > 0 {
		return m.TokenEstimate
	}
	n := messageOverheadTokens + EstimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		n += EstimateTokens(tc.Name) + EstimateTokens(string(tc.Args))
	}
	return n
}

// EstimateMessages sums the estimated cost of a message sequence.
func EstimateMessages(msgs []Message) int {
	var n int
	for i := range msgs {
		n += EstimateMessage(msgs[i])
	}
	return n
}

func runeLen(r rune) int {
	switch {
	case r < 0x80:
		return 1
	case r < 0x800:
		return 2
	case r < 0x10000:
		return 3
	default:
		return 4
	}
}

// isCJK reports whether r belongs to a CJK script block (Han, Hiragana,
// Katakana, Hangul).
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// truncateRunes truncates s to n runes.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// firstLine returns the first line of s, trimmed.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
