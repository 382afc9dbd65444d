package ember

import "context"

// ChatParams are the generation parameters passed through to an adapter.
type ChatParams struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	Stop        []string
	// ToolChoice is "auto", "none", or a specific tool name. Empty means auto.
	ToolChoice string
}

// ChatRequest is the canonical request every adapter accepts.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolDefinition
	Params   ChatParams
}

// ChatResponse is the canonical non-streaming result.
type ChatResponse struct {
	// Message is the assistant message, possibly carrying tool calls.
	Message Message
	Usage   Usage
}

// Capabilities describes what an adapter's vendor supports. The prompt
// assembler and client consult these before building requests.
type Capabilities struct {
	SupportsTools      bool
	SupportsStreaming  bool
	SupportsSystemRole bool
	MaxContextTokens   int
}

// ChunkType tags a streaming chunk variant.
type ChunkType string

const (
	ChunkTextDelta     ChunkType = "text-delta"
	ChunkToolCallStart ChunkType = "tool-call-start"
	ChunkToolCallDelta ChunkType = "tool-call-delta"
	ChunkToolCallEnd   ChunkType = "tool-call-end"
	ChunkUsageReport   ChunkType = "usage"
	ChunkDone          ChunkType = "done"
)

// Chunk is one element of a streamed response, normalized across vendors.
type Chunk struct {
	Type ChunkType
	// Text is the incremental text (text-delta only).
	Text string
	// ToolCallID and ToolName identify the call being assembled
	// (tool-call-start/delta/end).
	ToolCallID string
	ToolName   string
	// ArgsDelta is an incremental fragment of the call's arguments JSON
	// (tool-call-delta only).
	ArgsDelta string
	// Usage is set on usage and done chunks.
	Usage *Usage
}

// Adapter is the uniform surface over one LLM vendor. Adapters translate the
// canonical tool schema to the vendor's native form and vendor tool-call
// responses back to canonical ToolCalls. They classify failures into
// ProviderError kinds and never retry.
type Adapter interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams normalized chunks into ch, then returns the final
	// accumulated response. ch is closed before returning.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- Chunk) (ChatResponse, error)
	// Capabilities reports vendor feature support.
	Capabilities() Capabilities
	// Name returns the provider name (e.g. "anthropic", "openai").
	Name() string
}

// ChatCaller is the narrow client surface handed to components that need LLM
// access without the full client (compactor, verifier, retrospect). Passing
// it by constructor injection keeps the near-cycle between agent, assembler,
// retriever, and compactor acyclic.
type ChatCaller interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// EmbeddingProvider abstracts text embedding for the optional vector index.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
