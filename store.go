package ember

import "context"

// StoreStats summarizes the memory store for health reporting.
type StoreStats struct {
	Entries      int   `json:"count"`
	SizeBytes    int64 `json:"size_bytes"`
	Conversations int  `json:"conversations"`
}

// Store is the durable memory backend: content-addressed memory entries with
// a keyword index, ordered conversations, and usage accounting. The sqlite
// and postgres packages implement it.
//
// Implementations serialize index updates through a single writer; readers
// tolerate concurrent updates via snapshot semantics. Deleting an entry
// removes it from every index atomically, so search never returns deleted
// ids.
type Store interface {
	// Init creates tables and indices. Idempotent.
	Init(ctx context.Context) error
	Close() error

	// StoreEntry inserts or replaces an entry. Idempotent when the id is
	// pre-assigned.
	StoreEntry(ctx context.Context, e MemoryEntry) error
	GetEntry(ctx context.Context, id string) (MemoryEntry, error)
	GetEntries(ctx context.Context, ids []string) ([]MemoryEntry, error)
	// SearchKeywords ranks entries against the query via the inverted index.
	// Scores are normalized to [0, 1].
	SearchKeywords(ctx context.Context, query string, limit int) ([]ScoredEntry, error)
	// Touch updates last_accessed_at and increments access_count.
	Touch(ctx context.Context, id string) error
	ListRecent(ctx context.Context, k int) ([]MemoryEntry, error)
	DeleteEntry(ctx context.Context, id string) error

	LoadConversation(ctx context.Context, id string) (Conversation, error)
	// SaveConversation appends msgs to the conversation, idempotent per
	// message id, and updates the title when non-empty.
	SaveConversation(ctx context.Context, id string, msgs []Message, title string) error

	// RecordUsage appends one per-iteration usage row.
	RecordUsage(ctx context.Context, taskID, provider, model string, u Usage) error
	// UsageTotals sums usage rows created at or after since (unix seconds).
	UsageTotals(ctx context.Context, since int64) (Usage, error)

	Stats(ctx context.Context) (StoreStats, error)
}

// VectorSearcher is an optional Store capability for nearest-neighbor search
// over entry embeddings. Implementations that store vectors implement it;
// callers discover it via type assertion. Scores are similarities in [0, 1].
type VectorSearcher interface {
	SearchVectors(ctx context.Context, embedding []float32, limit int) ([]ScoredEntry, error)
}
