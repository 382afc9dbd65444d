package ember

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// deliveryClaims match assistant phrasings that assert a side effect
// happened. A claim without a successful tool execution in the same turn
// means the model is narrating work it never did.
var deliveryClaims = regexp.MustCompile(`(?i)\bI(?:'ve| have)\s+(?:created|written|saved|sent|deleted|updated|downloaded|installed|deployed|moved|copied)\b`)

// pendingStep matches an unchecked markdown task item.
var pendingStep = regexp.MustCompile(`(?m)^\s*[-*]\s+\[ \]`)

const verifyPrompt = "You judge task completion. Given the user's request and the " +
	"assistant's final answer, reply with exactly \"yes\" or \"no\" on the first " +
	"line (is the request satisfied?), then one short reason."

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// VerifierLogger sets a structured logger.
func VerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

// VerifierMaxTokens bounds the judgment call's output (default 50).
func VerifierMaxTokens(n int) VerifierOption {
	return func(v *Verifier) { v.maxTokens = n }
}

// Verifier decides whether an assistant response completes the user's
// request. Deterministic checks run first; an LLM judgment is consulted only
// when they are inconclusive, and its cost is bounded by a small token cap.
// A nil brain disables the LLM step, leaving the deterministic verdict.
type Verifier struct {
	brain     ChatCaller
	maxTokens int
	logger    *slog.Logger
}

// NewVerifier creates a Verifier judging through brain (may be nil).
func NewVerifier(brain ChatCaller, opts ...VerifierOption) *Verifier {
	v := &Verifier{brain: brain, maxTokens: 50, logger: nopLogger}
	for _, o := range opts {
		o(v)
	}
	return v
}

// IsComplete reports whether assistantText answers lastUserText.
// toolSucceeded tells whether any tool executed successfully during the turn,
// which grounds delivery claims.
func (v *Verifier) IsComplete(ctx context.Context, assistantText, lastUserText string, toolSucceeded bool) bool {
	switch v.deterministic(assistantText, toolSucceeded) {
	case verdictYes:
		return true
	case verdictNo:
		return false
	}
	if v.brain == nil {
		return true
	}
	return v.judge(ctx, assistantText, lastUserText)
}

type verdict int

const (
	verdictInconclusive verdict = iota
	verdictYes
	verdictNo
)

func (v *Verifier) deterministic(text string, toolSucceeded bool) verdict {
	if pendingStep.MatchString(text) {
		return verdictNo
	}
	if deliveryClaims.MatchString(text) {
		if !toolSucceeded {
			return verdictNo
		}
		// Claimed delivery backed by a tool artifact: let the LLM weigh it.
		return verdictInconclusive
	}
	return verdictYes
}

func (v *Verifier) judge(ctx context.Context, assistantText, lastUserText string) bool {
	resp, err := v.brain.Chat(ctx, ChatRequest{
		Messages: []Message{
			SystemMessage(verifyPrompt),
			UserMessage("Request:\n" + truncateRunes(lastUserText, 1000) +
				"\n\nFinal answer:\n" + truncateRunes(assistantText, 2000)),
		},
		Params: ChatParams{MaxTokens: v.maxTokens},
	})
	if err != nil {
		// Verification must never fail a turn; an unreachable judge means
		// accept the response as-is.
		v.logger.Warn("completion judgment failed, accepting response", "error", err)
		return true
	}
	first := strings.ToLower(strings.TrimSpace(firstLine(resp.Message.Content)))
	return !strings.HasPrefix(first, "no")
}
