package ember

import (
	"container/list"
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Retrieval scoring weights. When no semantic signal is available (no
// embedder or no stored vectors), the keyword weight absorbs it.
const (
	weightKeyword    = 0.35
	weightSemantic   = 0.25
	weightTime       = 0.20
	weightAccess     = 0.10
	weightImportance = 0.10

	weightKeywordNoVec = 0.60

	timeDecayDays   = 30.0
	accessSaturate  = 100.0
	mmrLambda       = 0.7
	candidateFactor = 4
)

// synonyms is a small lexicon for query rewriting. Each query term found here
// contributes its expansions as a rewritten-query variant.
var synonyms = map[string][]string{
	"remove": {"delete"},
	"delete": {"remove"},
	"folder": {"directory"},
	"dir":    {"directory"},
	"fetch":  {"download", "get"},
	"bug":    {"error", "issue"},
	"error":  {"failure", "bug"},
	"config": {"configuration", "settings"},
	"deploy": {"release", "ship"},
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// RetrieverEmbedder enables semantic search via the given provider.
func RetrieverEmbedder(e EmbeddingProvider) RetrieverOption {
	return func(r *Retriever) { r.embedder = e }
}

// RetrieverCacheSize bounds the L1 result cache (default 1000 queries).
func RetrieverCacheSize(n int) RetrieverOption {
	return func(r *Retriever) { r.cache.cap = n }
}

// RetrieverCacheTTL expires cached results after d. Zero keeps them until
// evicted by capacity or invalidated by a write.
func RetrieverCacheTTL(d time.Duration) RetrieverOption {
	return func(r *Retriever) { r.cache.ttl = d }
}

// RetrieverLogger sets a structured logger.
func RetrieverLogger(l *slog.Logger) RetrieverOption {
	return func(r *Retriever) { r.logger = l }
}

// retrieverClock overrides the clock in tests.
func retrieverClock(now func() time.Time) RetrieverOption {
	return func(r *Retriever) { r.now = now }
}

// Retriever ranks stored memories against a query by blending keyword
// relevance, semantic similarity, recency, access frequency, and importance,
// then diversifies the final set with maximal marginal relevance.
//
// Retrieval never fails a turn: store or embedder errors degrade to the
// signals that remain, down to an empty result.
type Retriever struct {
	store    Store
	embedder EmbeddingProvider
	cache    resultCache
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetriever creates a Retriever over the given store.
func NewRetriever(store Store, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		store:  store,
		cache:  resultCache{cap: 1000, entries: make(map[string]*list.Element), order: list.New()},
		logger: nopLogger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retrieve returns up to topK memories ranked for the query, best first.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) []ScoredEntry {
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return nil
	}
	key := NormalizeQuery(query)
	if hit, ok := r.cache.get(key, r.now()); ok {
		r.logger.Debug("retriever: cache hit", "query", key)
		return hit
	}

	candidates := r.gather(ctx, query, topK)
	if len(candidates) == 0 {
		return nil
	}
	scored := r.score(query, candidates)
	picked := r.diversify(scored, topK)

	for _, e := range picked {
		if err := r.store.Touch(ctx, e.ID); err != nil {
			r.logger.Warn("retriever: touch failed", "id", e.ID, "error", err)
		}
	}
	r.cache.put(key, picked, r.now())
	return picked
}

// Invalidate drops the L1 cache. Called after any memory write so cached
// rankings never outlive the data they ranked.
func (r *Retriever) Invalidate() { r.cache.clear() }

// candidate carries the per-signal raw scores for one entry.
type candidate struct {
	entry    MemoryEntry
	keyword  float64
	semantic float64
	hasVec   bool
}

// gather collects candidates from the keyword index (query plus rewrites)
// and, when available, the vector index. Each source contributes up to
// candidateFactor*topK rows.
func (r *Retriever) gather(ctx context.Context, query string, topK int) map[string]*candidate {
	limit := candidateFactor * topK
	byID := make(map[string]*candidate)

	merge := func(hits []ScoredEntry, semantic bool) {
		for _, h := range hits {
			c, ok := byID[h.ID]
			if !ok {
				c = &candidate{entry: h.MemoryEntry}
				byID[h.ID] = c
			}
			if semantic {
				c.hasVec = true
				if h.Score > c.semantic {
					c.semantic = h.Score
				}
			} else if h.Score > c.keyword {
				c.keyword = h.Score
			}
		}
	}

	for _, q := range rewriteQuery(query) {
		hits, err := r.store.SearchKeywords(ctx, q, limit)
		if err != nil {
			r.logger.Warn("retriever: keyword search failed", "error", err)
			continue
		}
		merge(hits, false)
	}

	if r.embedder != nil {
		if vs, ok := r.store.(VectorSearcher); ok {
			vecs, err := r.embedder.Embed(ctx, []string{query})
			if err != nil || len(vecs) == 0 {
				r.logger.Warn("retriever: embed failed", "error", err)
			} else if hits, err := vs.SearchVectors(ctx, vecs[0], limit); err != nil {
				r.logger.Warn("retriever: vector search failed", "error", err)
			} else {
				merge(hits, true)
			}
		}
	}
	return byID
}

// rewriteQuery returns the original query plus bounded variants: a stop-word
// stripped form and synonym expansions for known terms.
func rewriteQuery(query string) []string {
	out := []string{query}
	if stripped := stripStopWords(query); stripped != "" {
		out = append(out, stripped)
	}
	fields := strings.Fields(query)
	for i, f := range fields {
		for _, syn := range synonyms[keywordFolder.String(f)] {
			variant := make([]string, len(fields))
			copy(variant, fields)
			variant[i] = syn
			out = append(out, strings.Join(variant, " "))
			if len(out) >= 6 {
				return out
			}
		}
	}
	return out
}

func (r *Retriever) score(query string, candidates map[string]*candidate) []ScoredEntry {
	anyVec := false
	for _, c := range candidates {
		if c.hasVec {
			anyVec = true
			break
		}
	}
	now := r.now().Unix()

	out := make([]ScoredEntry, 0, len(candidates))
	for _, c := range candidates {
		ageDays := float64(now-c.entry.CreatedAt) / 86400.0
		if ageDays < 0 {
			ageDays = 0
		}
		timeScore := math.Exp(-ageDays / timeDecayDays)
		accessScore := math.Min(1, math.Log(1+float64(c.entry.AccessCount))/math.Log(1+accessSaturate))

		var score float64
		if anyVec {
			score = weightKeyword*c.keyword + weightSemantic*c.semantic +
				weightTime*timeScore + weightAccess*accessScore + weightImportance*c.entry.Importance
		} else {
			score = weightKeywordNoVec*c.keyword +
				weightTime*timeScore + weightAccess*accessScore + weightImportance*c.entry.Importance
		}
		out = append(out, ScoredEntry{MemoryEntry: c.entry, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// diversify applies maximal marginal relevance over the ranked candidates so
// near-duplicate memories do not crowd out distinct ones.
func (r *Retriever) diversify(ranked []ScoredEntry, topK int) []ScoredEntry {
	if len(ranked) <= 1 || topK <= 1 {
		if len(ranked) > topK {
			ranked = ranked[:topK]
		}
		return ranked
	}

	tokens := make([]map[string]bool, len(ranked))
	for i, e := range ranked {
		set := make(map[string]bool)
		for _, t := range Tokenize(e.Content) {
			set[t] = true
		}
		tokens[i] = set
	}

	picked := make([]ScoredEntry, 0, topK)
	pickedIdx := make([]int, 0, topK)
	remaining := make([]int, len(ranked))
	for i := range ranked {
		remaining[i] = i
	}

	for len(picked) < topK && len(remaining) > 0 {
		bestPos, bestVal := 0, math.Inf(-1)
		for pos, idx := range remaining {
			maxSim := 0.0
			for _, pi := range pickedIdx {
				if s := entrySimilarity(ranked[idx], ranked[pi], tokens[idx], tokens[pi]); s > maxSim {
					maxSim = s
				}
			}
			val := mmrLambda*ranked[idx].Score - (1-mmrLambda)*maxSim
			if val > bestVal {
				bestVal, bestPos = val, pos
			}
		}
		idx := remaining[bestPos]
		picked = append(picked, ranked[idx])
		pickedIdx = append(pickedIdx, idx)
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}
	return picked
}

// entrySimilarity prefers embedding cosine when both entries carry vectors,
// else Jaccard over content tokens.
func entrySimilarity(a, b ScoredEntry, ta, tb map[string]bool) float64 {
	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		return cosine01(a.Embedding, b.Embedding)
	}
	return jaccard(ta, tb)
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func cosine01(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return (dot/(math.Sqrt(na)*math.Sqrt(nb)) + 1) / 2
}

// --- L1 cache ---

// resultCache is an LRU over normalized query strings. Turns run on their
// own goroutines and Invalidate fires after every memory write, so all
// access goes through the mutex.
type resultCache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List // front = most recent
}

type cacheItem struct {
	key     string
	results []ScoredEntry
	at      time.Time
}

func (c *resultCache) get(key string, now time.Time) ([]ScoredEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*cacheItem)
	if c.ttl > 0 && now.Sub(item.at) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return item.results, true
}

func (c *resultCache) put(key string, results []ScoredEntry, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheItem).results = results
		el.Value.(*cacheItem).at = now
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheItem{key: key, results: results, at: now})
	for c.order.Len() > c.cap {
		back := c.order.Back()
		c.order.Remove(back)
		delete(c.entries, back.Value.(*cacheItem).key)
	}
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}
