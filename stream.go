package ember

import "encoding/json"

// StreamEventType identifies the kind of streaming event emitted by the agent.
type StreamEventType string

const (
	// EventText carries an incremental text chunk from the LLM.
	EventText StreamEventType = "text"
	// EventToolStart signals a tool call is about to execute.
	EventToolStart StreamEventType = "tool_start"
	// EventToolEnd signals a tool call finished executing.
	EventToolEnd StreamEventType = "tool_end"
	// EventToolResult carries the result content of a completed tool call.
	EventToolResult StreamEventType = "tool_result"
	// EventError is terminal: no events follow it.
	EventError StreamEventType = "error"
	// EventDone is the last event of a successful turn and carries the final
	// assistant text plus usage totals.
	EventDone StreamEventType = "done"
)

// StreamEvent is a typed event on the agent's response stream. Consumers
// receive these on the channel passed to ChatStream.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// Name is the tool name (tool events only).
	Name string `json:"name,omitempty"`
	// ID is the tool call id (tool events only).
	ID string `json:"id,omitempty"`
	// Content carries the text delta, tool result, final answer, or error
	// message depending on Type.
	Content string `json:"content,omitempty"`
	// Args carries the tool call arguments (tool_start only).
	Args json.RawMessage `json:"args,omitempty"`
	// Usage is set on done events.
	Usage *Usage `json:"usage,omitempty"`
	// Kind and Retriable are set on error events.
	Kind      ErrorKind `json:"kind,omitempty"`
	Retriable bool      `json:"retriable,omitempty"`
}
