package ember

import (
	"regexp"
	"strings"
)

// Block patterns stripped from assistant text before persistence and
// emission: thinking/reasoning tags, stray invoke wrappers that leaked out of
// structured tool calls, and XML declarations at the head of a message. This
// set is fixed.
var sanitizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?s)<think>.*?</think>`),
	regexp.MustCompile(`(?s)<invoke\b[^>]*>.*?</invoke>`),
	regexp.MustCompile(`(?s)<function_calls>.*?</function_calls>`),
	regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`),
}

// Unclosed opening tags at end of text (truncated generations) are cut from
// the tag onward.
var sanitizeDangling = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<thinking>.*$`),
	regexp.MustCompile(`(?s)<think>.*$`),
}

var xmlDeclHead = regexp.MustCompile(`^\s*<\?xml[^?]*\?>`)

// Sanitize strips internal reasoning markers and simulated tool-call text
// from assistant content. Idempotent: sanitizing already-clean text is a
// no-op.
func Sanitize(text string) string {
	out := xmlDeclHead.ReplaceAllString(text, "")
	for _, re := range sanitizePatterns {
		out = re.ReplaceAllString(out, "")
	}
	for _, re := range sanitizeDangling {
		out = re.ReplaceAllString(out, "")
	}
	// Collapse the blank runs left behind by removed blocks.
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}
