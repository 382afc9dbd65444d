// Package sqlite implements ember.Store using pure-Go SQLite with an FTS5
// keyword index and in-process brute-force vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/venalis/ember"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements ember.Store backed by a local SQLite file. Embeddings are
// stored as packed text and vector search runs in-process with brute-force
// cosine similarity.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ ember.Store = (*Store)(nil)
var _ ember.VectorSearcher = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. All goroutines
// serialize through one connection (SetMaxOpenConns(1)), eliminating
// SQLITE_BUSY errors from concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: dbPath, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indices.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			conversation_id TEXT,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			keywords TEXT,
			importance REAL NOT NULL,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			embedding TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT,
			provider TEXT NOT NULL,
			model TEXT,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// FTS5 inverted index over memory content. Kept in sync inside the same
	// transaction as every row write so deletion is atomic across indices.
	if _, err := s.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_keywords USING fts5(memory_id UNINDEXED, content)`); err != nil {
		return fmt.Errorf("create fts index: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_usage_created ON token_usage(created_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- memory entries ---

// StoreEntry inserts or replaces a memory entry and its index rows.
func (s *Store) StoreEntry(ctx context.Context, e ember.MemoryEntry) error {
	start := time.Now()
	s.logger.Debug("sqlite: store entry", "id", e.ID, "kind", e.Kind)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var embText *string
	if len(e.Embedding) > 0 {
		v := serializeEmbedding(e.Embedding)
		embText = &v
	}
	keywords := e.Keywords
	if len(keywords) == 0 {
		keywords = ember.Tokenize(e.Content)
	}
	var convID *string
	if e.ConversationID != "" {
		convID = &e.ConversationID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO memories
		 (id, conversation_id, kind, content, keywords, importance, created_at, last_accessed_at, access_count, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, convID, e.Kind, e.Content, strings.Join(keywords, " "),
		e.Importance, e.CreatedAt, e.LastAccessedAt, e.AccessCount, embText,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_keywords WHERE memory_id = ?`, e.ID); err != nil {
		return fmt.Errorf("clear fts row: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_keywords(memory_id, content) VALUES (?, ?)`,
		e.ID, strings.Join(keywords, " ")); err != nil {
		return fmt.Errorf("insert fts row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: store entry ok", "id", e.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (ember.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, selectMemory+` WHERE id = ?`, id)
	e, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return ember.MemoryEntry{}, fmt.Errorf("memory %s: %w", id, err)
	}
	return e, err
}

func (s *Store) GetEntries(ctx context.Context, ids []string) ([]ember.MemoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, selectMemory+` WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	defer rows.Close()
	var out []ember.MemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchKeywords queries the FTS5 index. The bm25 rank (lower is better) is
// normalized to a [0, 1] score via 1/(1+rank).
func (s *Store) SearchKeywords(ctx context.Context, query string, limit int) ([]ember.ScoredEntry, error) {
	start := time.Now()
	tokens := ember.Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	// Quote tokens and OR them so FTS syntax in user text cannot break the query.
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	match := strings.Join(quoted, " OR ")

	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, bm25(memory_keywords) FROM memory_keywords
		 WHERE memory_keywords MATCH ? ORDER BY bm25(memory_keywords) LIMIT ?`,
		match, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	type hit struct {
		id   string
		rank float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.rank); err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	entries, err := s.GetEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]ember.MemoryEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	var out []ember.ScoredEntry
	for _, h := range hits {
		e, ok := byID[h.id]
		if !ok {
			continue // index row orphaned by a concurrent delete
		}
		rank := h.rank
		if rank < 0 {
			rank = -rank // sqlite bm25 returns negative ranks
		}
		out = append(out, ember.ScoredEntry{MemoryEntry: e, Score: 1.0 / (1.0 + rank)})
	}
	s.logger.Debug("sqlite: keyword search", "query_tokens", len(tokens), "hits", len(out), "duration", time.Since(start))
	return out, nil
}

// SearchVectors brute-force scans entries with embeddings and ranks by
// cosine similarity.
func (s *Store) SearchVectors(ctx context.Context, embedding []float32, limit int) ([]ember.ScoredEntry, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, selectMemory+` WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []ember.ScoredEntry
	scanned := 0
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		scanned++
		if len(e.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(embedding, e.Embedding)
		out = append(out, ember.ScoredEntry{MemoryEntry: e, Score: float64(sim)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	s.logger.Debug("sqlite: vector search", "scanned", scanned, "returned", len(out), "duration", time.Since(start))
	return out, nil
}

func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET last_accessed_at = ?, access_count = access_count + 1 WHERE id = ?`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("touch: %w", err)
	}
	return nil
}

func (s *Store) ListRecent(ctx context.Context, k int) ([]ember.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectMemory+` ORDER BY created_at DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()
	var out []ember.MemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEntry removes the entry and its index rows in one transaction.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_keywords WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}
	return tx.Commit()
}

// --- conversations ---

func (s *Store) LoadConversation(ctx context.Context, id string) (ember.Conversation, error) {
	conv := ember.Conversation{ID: id}
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT title, created_at FROM conversations WHERE id = ?`, id).
		Scan(&title, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return conv, nil // empty conversation, not an error
	}
	if err != nil {
		return conv, fmt.Errorf("load conversation: %w", err)
	}
	conv.Title = title.String

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, tool_calls, tool_call_id, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return conv, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m ember.Message
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &toolCallID, &m.CreatedAt); err != nil {
			return conv, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := unmarshalToolCalls(toolCalls.String, &m.ToolCalls); err != nil {
				return conv, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		m.ToolCallID = toolCallID.String
		conv.Messages = append(conv.Messages, m)
	}
	return conv, rows.Err()
}

// SaveConversation appends msgs idempotently (INSERT OR IGNORE per message
// id) and updates the title when non-empty.
func (s *Store) SaveConversation(ctx context.Context, id string, msgs []ember.Message, title string) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = CASE WHEN excluded.title != '' THEN excluded.title ELSE conversations.title END`,
		id, title, time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, id).Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	for _, m := range msgs {
		seq++
		var toolCalls *string
		if len(m.ToolCalls) > 0 {
			v, err := marshalToolCalls(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			toolCalls = &v
		}
		var toolCallID *string
		if m.ToolCallID != "" {
			toolCallID = &m.ToolCallID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO messages (id, conversation_id, seq, role, content, tool_calls, tool_call_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, id, seq, m.Role, m.Content, toolCalls, toolCallID, m.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: save conversation", "id", id, "messages", len(msgs), "duration", time.Since(start))
	return nil
}

// --- usage ---

func (s *Store) RecordUsage(ctx context.Context, taskID, provider, model string, u ember.Usage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage
		 (task_id, provider, model, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, estimated_cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, provider, model, u.InputTokens, u.OutputTokens,
		u.CacheReadTokens, u.CacheCreationTokens, u.EstimatedCost, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *Store) UsageTotals(ctx context.Context, since int64) (ember.Usage, error) {
	var u ember.Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
		        COALESCE(SUM(cache_read_tokens),0), COALESCE(SUM(cache_creation_tokens),0),
		        COALESCE(SUM(estimated_cost),0)
		 FROM token_usage WHERE created_at >= ?`, since).
		Scan(&u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheCreationTokens, &u.EstimatedCost)
	if err != nil {
		return u, fmt.Errorf("usage totals: %w", err)
	}
	return u, nil
}

// Stats reports entry/conversation counts and the database file size.
func (s *Store) Stats(ctx context.Context) (ember.StoreStats, error) {
	var st ember.StoreStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&st.Entries); err != nil {
		return st, fmt.Errorf("count memories: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&st.Conversations); err != nil {
		return st, fmt.Errorf("count conversations: %w", err)
	}
	if fi, err := os.Stat(s.path); err == nil {
		st.SizeBytes = fi.Size()
	}
	return st, nil
}

// --- row helpers ---

const selectMemory = `SELECT id, conversation_id, kind, content, keywords, importance,
	created_at, last_accessed_at, access_count, embedding FROM memories`

type rowScanner interface{ Scan(dest ...any) error }

func scanMemory(row rowScanner) (ember.MemoryEntry, error) {
	var e ember.MemoryEntry
	var convID, keywords, emb sql.NullString
	err := row.Scan(&e.ID, &convID, &e.Kind, &e.Content, &keywords, &e.Importance,
		&e.CreatedAt, &e.LastAccessedAt, &e.AccessCount, &emb)
	if err != nil {
		return e, err
	}
	e.ConversationID = convID.String
	if keywords.Valid && keywords.String != "" {
		e.Keywords = strings.Fields(keywords.String)
	}
	if emb.Valid && emb.String != "" {
		vec, derr := deserializeEmbedding(emb.String)
		if derr == nil {
			e.Embedding = vec
		}
	}
	return e, nil
}
