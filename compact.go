package ember

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// summaryMarker prefixes every compaction summary message so later passes can
// recognize and re-fold prior summaries.
const summaryMarker = "[Conversation summary]\n"

// summarizePrompt is the fixed instruction used for every chunk summary.
const summarizePrompt = "Summarize the following prior conversation into salient facts, " +
	"user preferences, unresolved intents, and outcomes. Preserve entity names " +
	"verbatim. Output at most %d tokens of neutral prose."

// CompressStats reports what a compaction pass did.
type CompressStats struct {
	TokensBefore   int `json:"tokens_before"`
	TokensAfter    int `json:"tokens_after"`
	TurnsSummarized int `json:"turns_summarized"`
	SummaryCalls   int `json:"summary_calls"`
	TurnsDropped   int `json:"turns_dropped"`
}

// CompressResult is the outcome of Compress.
type CompressResult struct {
	Compressed bool          `json:"compressed"`
	Cancelled  bool          `json:"cancelled"`
	Truncated  bool          `json:"truncated"`
	Stats      CompressStats `json:"stats"`
}

// CompactorOption configures a Compactor.
type CompactorOption func(*Compactor)

// CompactKeepTurns sets how many trailing turns stay verbatim (default 3).
func CompactKeepTurns(n int) CompactorOption {
	return func(c *Compactor) { c.keepTurns = n }
}

// CompactChunkTokens sets the summary chunk size (default 2000).
func CompactChunkTokens(n int) CompactorOption {
	return func(c *Compactor) { c.chunkTokens = n }
}

// CompactSummaryTokens bounds each summary's output (default 300).
func CompactSummaryTokens(n int) CompactorOption {
	return func(c *Compactor) { c.summaryTokens = n }
}

// CompactFloor sets the recursion floor below which hard truncation applies
// (default 512).
func CompactFloor(n int) CompactorOption {
	return func(c *Compactor) { c.floor = n }
}

// CompactLogger sets the structured logger.
func CompactLogger(l *slog.Logger) CompactorOption {
	return func(c *Compactor) { c.logger = l }
}

// CompactTracer enables span emission around summary calls.
func CompactTracer(t Tracer) CompactorOption {
	return func(c *Compactor) { c.tracer = t }
}

// Compactor folds old conversation turns into LLM-generated summaries so the
// prompt fits a token budget. The brain reference is injected at construction
// so the compactor depends on the client only through ChatCaller.
type Compactor struct {
	brain         ChatCaller
	keepTurns     int
	chunkTokens   int
	summaryTokens int
	floor         int
	logger        *slog.Logger
	tracer        Tracer
}

// NewCompactor creates a Compactor summarizing through brain.
func NewCompactor(brain ChatCaller, opts ...CompactorOption) *Compactor {
	c := &Compactor{
		brain:         brain,
		keepTurns:     3,
		chunkTokens:   2000,
		summaryTokens: 300,
		floor:         512,
		logger:        nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// turn is a contiguous message run: a user message and everything up to the
// next user message. Call/result clusters never cross a turn boundary, so
// moving turns whole preserves pairing.
type turn struct {
	msgs   []Message
	tokens int
}

// groupTurns splits msgs into turns. A new turn begins at every user-role
// message and at every summary message from a prior pass; a leading run
// before the first user message forms its own turn.
func groupTurns(msgs []Message) []turn {
	var turns []turn
	var cur []Message
	flush := func() {
		if len(cur) > 0 {
			turns = append(turns, turn{msgs: cur, tokens: EstimateMessages(cur)})
			cur = nil
		}
	}
	for _, m := range msgs {
		if m.Role == RoleUser || (m.Role == RoleSystem && strings.HasPrefix(m.Content, summaryMarker)) {
			flush()
		}
		cur = append(cur, m)
	}
	flush()
	return turns
}

// Compress returns msgs reduced to at most target estimated tokens. The
// system prompt (index 0 when system-role) and the last keepTurns turns stay
// verbatim. If the estimate is already within target, msgs returns unchanged.
// A cancellation mid-pass returns the partial result flagged Cancelled.
func (c *Compactor) Compress(ctx context.Context, msgs []Message, target int) ([]Message, CompressResult) {
	res := CompressResult{Stats: CompressStats{TokensBefore: EstimateMessages(msgs)}}
	if res.Stats.TokensBefore <= target {
		res.Stats.TokensAfter = res.Stats.TokensBefore
		return msgs, res
	}

	var system []Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == RoleSystem && !strings.HasPrefix(msgs[0].Content, summaryMarker) {
		system = msgs[:1]
		rest = msgs[1:]
	}

	out, r := c.compress(ctx, system, groupTurns(rest), target)
	res.Compressed = r.Compressed
	res.Cancelled = r.Cancelled
	res.Truncated = r.Truncated
	res.Stats.TurnsSummarized = r.Stats.TurnsSummarized
	res.Stats.SummaryCalls = r.Stats.SummaryCalls
	res.Stats.TurnsDropped = r.Stats.TurnsDropped
	res.Stats.TokensAfter = EstimateMessages(out)
	c.logger.Info("context compacted",
		"before_tokens", res.Stats.TokensBefore,
		"after_tokens", res.Stats.TokensAfter,
		"summaries", res.Stats.SummaryCalls,
		"dropped_turns", res.Stats.TurnsDropped,
		"cancelled", res.Cancelled)
	return out, res
}

func (c *Compactor) compress(ctx context.Context, system []Message, turns []turn, target int) ([]Message, CompressResult) {
	var res CompressResult

	keep := c.keepTurns
	if keep >= len(turns) {
		// Nothing left to summarize ahead of the protected tail.
		return c.truncate(flatten(system, turns), turns, system, target, &res), res
	}

	head, tail := turns[:len(turns)-keep], turns[len(turns)-keep:]

	// Partition the head into chunks of whole turns.
	var chunks [][]turn
	var cur []turn
	curTokens := 0
	for _, t := range head {
		if curTokens+t.tokens > c.chunkTokens && len(cur) > 0 {
			chunks = append(chunks, cur)
			cur, curTokens = nil, 0
		}
		cur = append(cur, t)
		curTokens += t.tokens
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}

	var summarized []turn
	for _, chunk := range chunks {
		if ctx.Err() != nil {
			res.Cancelled = true
			summarized = append(summarized, chunk...)
			continue
		}
		summary, err := c.summarizeChunk(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				res.Cancelled = true
			} else {
				c.logger.Warn("chunk summary failed, keeping original", "error", err)
			}
			summarized = append(summarized, chunk...)
			continue
		}
		res.Compressed = true
		res.Stats.SummaryCalls++
		res.Stats.TurnsSummarized += len(chunk)
		summarized = append(summarized, turn{msgs: []Message{summary}, tokens: EstimateMessage(summary)})
	}

	all := append(summarized, tail...)
	out := flatten(system, all)

	if EstimateMessages(out) <= target || res.Cancelled {
		return out, res
	}

	// Still over budget: recurse on the summarized prefix with a tighter
	// target until the floor, then fall back to hard truncation.
	if target > c.floor && res.Compressed {
		sub, subRes := c.compress(ctx, system, all, target*8/10)
		res.Stats.SummaryCalls += subRes.Stats.SummaryCalls
		res.Stats.TurnsSummarized += subRes.Stats.TurnsSummarized
		res.Stats.TurnsDropped += subRes.Stats.TurnsDropped
		res.Cancelled = subRes.Cancelled
		res.Truncated = res.Truncated || subRes.Truncated
		if EstimateMessages(sub) <= target {
			return sub, res
		}
		all = groupTurns(stripSystem(sub, system))
		out = flatten(system, all)
	}

	return c.truncate(out, all, system, target, &res), res
}

// truncate drops oldest turns whole until the sequence fits target. The
// system prompt and the final turn always survive.
func (c *Compactor) truncate(out []Message, turns []turn, system []Message, target int, res *CompressResult) []Message {
	for len(turns) > 1 && EstimateMessages(out) > target {
		turns = turns[1:]
		res.Stats.TurnsDropped++
		res.Truncated = true
		res.Compressed = true
		out = flatten(system, turns)
	}
	return out
}

// summarizeChunk renders a chunk of turns to text and asks the brain for a
// bounded summary, returned as a tagged system-role message.
func (c *Compactor) summarizeChunk(ctx context.Context, chunk []turn) (Message, error) {
	if c.tracer != nil {
		var span Span
		ctx, span = c.tracer.Start(ctx, "compactor.summarize",
			IntAttr("turns", len(chunk)))
		defer span.End()
	}
	var b strings.Builder
	for _, t := range chunk {
		for _, m := range t.msgs {
			renderMessage(&b, m)
		}
	}
	resp, err := c.brain.Chat(ctx, ChatRequest{
		Messages: []Message{
			SystemMessage(fmt.Sprintf(summarizePrompt, c.summaryTokens)),
			UserMessage(b.String()),
		},
		Params: ChatParams{MaxTokens: c.summaryTokens * 2},
	})
	if err != nil {
		return Message{}, err
	}
	return SystemMessage(summaryMarker + resp.Message.Content), nil
}

func renderMessage(b *strings.Builder, m Message) {
	switch {
	case len(m.ToolCalls) > 0:
		fmt.Fprintf(b, "%s: %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(b, "  [called %s %s]\n", tc.Name, truncateRunes(string(tc.Args), 200))
		}
	case m.Role == RoleTool:
		fmt.Fprintf(b, "  [result] %s\n", truncateRunes(m.Content, 500))
	default:
		fmt.Fprintf(b, "%s: %s\n", m.Role, m.Content)
	}
}

func flatten(system []Message, turns []turn) []Message {
	out := make([]Message, 0, len(system)+len(turns)*2)
	out = append(out, system...)
	for _, t := range turns {
		out = append(out, t.msgs...)
	}
	return out
}

// stripSystem removes the leading system prompt msgs share with system.
func stripSystem(msgs, system []Message) []Message {
	if len(system) > 0 && len(msgs) > 0 && msgs[0].ID == system[0].ID {
		return msgs[1:]
	}
	return msgs
}
