package ember

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var keywordFolder = cases.Fold()

// stopWords are dropped during keyword derivation and query rewriting.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "i": true, "in": true, "is": true, "it": true, "my": true,
	"of": true, "on": true, "or": true, "that": true, "the": true, "this": true,
	"to": true, "was": true, "were": true, "what": true, "when": true,
	"where": true, "which": true, "who": true, "will": true, "with": true,
	"you": true, "your": true,
}

// Tokenize splits text into normalized keyword tokens: NFKC-normalized,
// case-folded, punctuation-split, stop words removed, deduplicated in order
// of first occurrence. Used for the inverted index, the retriever's Jaccard
// similarity, and query normalization, so all three agree on token identity.
func Tokenize(text string) []string {
	folded := keywordFolder.String(norm.NFKC.String(text))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]bool, len(fields))
	var tokens []string
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] {
			continue
		}
		if !seen[f] {
			seen[f] = true
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// NormalizeQuery canonicalizes a retrieval query for L1 cache keying.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(keywordFolder.String(norm.NFKC.String(strings.TrimSpace(q)))), " ")
}

// stripStopWords returns q with stop words removed, or "" when nothing
// remains. Used by the retriever's query rewriting.
func stripStopWords(q string) string {
	var kept []string
	for _, f := range strings.Fields(q) {
		if !stopWords[keywordFolder.String(f)] {
			kept = append(kept, f)
		}
	}
	if len(kept) == len(strings.Fields(q)) {
		return "" // rewrite would be identical
	}
	return strings.Join(kept, " ")
}
