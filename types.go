package ember

import "encoding/json"

// --- Message roles ---

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a conversation. Messages are created once and
// never mutated afterwards; the agent appends new messages instead of
// editing old ones.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set only on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID references the assistant tool call this message answers.
	// Set only on tool-role messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	// TokenEstimate caches the heuristic token count for this message.
	// Zero means not yet estimated.
	TokenEstimate int `json:"token_estimate,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	// Error is non-empty iff the call failed. Content may still carry
	// partial output (e.g. stdout collected before a timeout).
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Success reports whether the tool call completed without error.
func (r ToolResult) Success() bool { return r.Error == "" }

// Conversation is an ordered message sequence owned by the Store. The agent
// holds a borrowed in-memory copy during a turn.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"created_at"`
}

// --- Memory ---

// MemoryEntry kinds.
const (
	KindInteraction = "interaction"
	KindInsight     = "insight"
	KindEntity      = "entity"
)

// MemoryEntry is a durable unit of assistant memory. Interaction entries are
// written on turn completion; insight entries come from the daily
// consolidation pass and may supersede older interactions.
type MemoryEntry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Kind           string    `json:"kind"`
	Content        string    `json:"content"`
	Keywords       []string  `json:"keywords,omitempty"`
	Importance     float64   `json:"importance"`
	CreatedAt      int64     `json:"created_at"`
	LastAccessedAt int64     `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
	Embedding      []float32 `json:"-"`
}

// ScoredEntry pairs a memory entry with a search score in [0, 1].
type ScoredEntry struct {
	MemoryEntry
	Score float64 `json:"score"`
}

// --- Usage accounting ---

// Usage counts tokens for one LLM call, one iteration, one task, or one day,
// depending on where it is accumulated.
type Usage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int     `json:"cache_creation_tokens,omitempty"`
	EstimatedCost       float64 `json:"estimated_cost,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.EstimatedCost += other.EstimatedCost
}

// --- Tool schema ---

// ToolDefinition is the canonical tool schema advertised to LLM adapters.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
	Required    []string        `json:"required,omitempty"`
	// TimeoutSeconds bounds a single execution. Zero means the executor default.
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Category       string `json:"category,omitempty"`
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleUser, Content: text, CreatedAt: NowUnix()}
}

func SystemMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleSystem, Content: text, CreatedAt: NowUnix()}
}

func AssistantMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleAssistant, Content: text, CreatedAt: NowUnix()}
}

// ToolMessage converts a tool result into the tool-role message appended to
// the working conversation. Failed results carry an "error: " prefix so the
// model can react in the next iteration.
func ToolMessage(r ToolResult) Message {
	content := r.Content
	if r.Error != "" {
		content = "error: " + r.Error
		if r.Content != "" {
			content += "\n" + r.Content
		}
	}
	return Message{
		ID:         NewID(),
		Role:       RoleTool,
		Content:    content,
		ToolCallID: r.ToolCallID,
		CreatedAt:  NowUnix(),
	}
}
