package ember

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const consolidatePrompt = `You distill a day of assistant interactions into durable insights.
From the interaction summaries below, extract up to 5 facts worth remembering
long-term: stable user preferences, recurring topics, corrections the user
made, and project context. One insight per line, plain text, no numbering.
Skip anything transient or already obvious. If nothing is worth keeping,
reply with exactly: none`

const (
	consolidateMaxTokens  = 400
	consolidateMaxSources = 50
)

// ConsolidatorOption configures a Consolidator.
type ConsolidatorOption func(*Consolidator)

// ConsolidatorLogger sets a structured logger.
func ConsolidatorLogger(l *slog.Logger) ConsolidatorOption {
	return func(c *Consolidator) { c.logger = l }
}

func consolidatorClock(now func() time.Time) ConsolidatorOption {
	return func(c *Consolidator) { c.now = now }
}

// Consolidator derives long-term insight entries from recent interaction
// entries with one bounded LLM call per run. Intended to run daily; a run
// covering an empty or uninteresting day stores nothing.
type Consolidator struct {
	store    Store
	brain    ChatCaller
	embedder EmbeddingProvider
	logger   *slog.Logger
	now      func() time.Time
}

// NewConsolidator creates a consolidator. embedder may be nil; insights are
// then stored without vectors.
func NewConsolidator(store Store, brain ChatCaller, embedder EmbeddingProvider, opts ...ConsolidatorOption) *Consolidator {
	c := &Consolidator{
		store:    store,
		brain:    brain,
		embedder: embedder,
		logger:   nopLogger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run consolidates interaction entries created at or after since into insight
// entries. Returns the number of insights stored.
func (c *Consolidator) Run(ctx context.Context, since time.Time) (int, error) {
	recent, err := c.store.ListRecent(ctx, consolidateMaxSources*4)
	if err != nil {
		return 0, Errorf(ErrMemoryRetrieval, "list recent: %v", err)
	}
	cutoff := since.Unix()
	var sources []MemoryEntry
	for _, e := range recent {
		if e.Kind == KindInteraction && e.CreatedAt >= cutoff {
			sources = append(sources, e)
			if len(sources) == consolidateMaxSources {
				break
			}
		}
	}
	if len(sources) == 0 {
		return 0, nil
	}

	var b strings.Builder
	for i, e := range sources {
		fmt.Fprintf(&b, "%d. %s\n", i+1, truncateRunes(e.Content, 300))
	}

	resp, err := c.brain.Chat(ctx, ChatRequest{
		Messages: []Message{
			SystemMessage(consolidatePrompt),
			UserMessage(b.String()),
		},
		Params: ChatParams{MaxTokens: consolidateMaxTokens},
	})
	if err != nil {
		return 0, err
	}

	insights := parseInsights(resp.Message.Content)
	if len(insights) == 0 {
		return 0, nil
	}

	var vecs [][]float32
	if c.embedder != nil {
		if v, err := c.embedder.Embed(ctx, insights); err == nil && len(v) == len(insights) {
			vecs = v
		} else if err != nil {
			c.logger.Warn("insight embedding failed, storing without vectors", "error", err)
		}
	}

	stored := 0
	nowUnix := c.now().Unix()
	for i, text := range insights {
		entry := MemoryEntry{
			ID:         NewID(),
			Kind:       KindInsight,
			Content:    text,
			Keywords:   Tokenize(text),
			Importance: 0.7,
			CreatedAt:  nowUnix,
		}
		if vecs != nil {
			entry.Embedding = vecs[i]
		}
		if err := c.store.StoreEntry(ctx, entry); err != nil {
			c.logger.Warn("insight store failed", "error", err)
			continue
		}
		stored++
	}
	c.logger.Info("consolidation complete", "sources", len(sources), "insights", stored)
	return stored, nil
}

// parseInsights splits the model reply into non-empty lines, dropping list
// markers and the "none" sentinel.
func parseInsights(reply string) []string {
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. ")
		if line == "" || strings.EqualFold(line, "none") {
			continue
		}
		out = append(out, line)
		if len(out) == 5 {
			break
		}
	}
	return out
}
