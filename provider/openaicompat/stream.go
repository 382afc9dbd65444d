package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/venalis/ember"
)

// streamSSE reads the SSE stream from body, emits normalized chunks on ch,
// and returns the fully accumulated response. ch is closed before returning.
//
// Tool calls arrive incrementally: each fragment carries an index and
// argument text pieces. Start/end chunks are synthesized around the
// fragments so downstream consumers see a well-bracketed call.
func (a *Adapter) streamSSE(ctx context.Context, body io.Reader, ch chan<- ember.Chunk) (ember.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content strings.Builder
	var total ember.Usage

	type partialCall struct {
		id      string
		name    string
		args    strings.Builder
		started bool
	}
	var calls []*partialCall

	emit := func(c ember.Chunk) error {
		select {
		case ch <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // malformed chunk, skip
		}
		if chunk.Usage != nil {
			total = convertUsage(chunk.Usage)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := emit(ember.Chunk{Type: ember.ChunkTextDelta, Text: delta.Content}); err != nil {
				return ember.ChatResponse{}, a.connErr("stream", err)
			}
		}
		for _, tc := range delta.ToolCalls {
			for len(calls) <= tc.Index {
				calls = append(calls, &partialCall{})
			}
			pc := calls[tc.Index]
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if !pc.started && pc.id != "" && pc.name != "" {
				pc.started = true
				if err := emit(ember.Chunk{Type: ember.ChunkToolCallStart, ToolCallID: pc.id, ToolName: pc.name}); err != nil {
					return ember.ChatResponse{}, a.connErr("stream", err)
				}
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
				if err := emit(ember.Chunk{Type: ember.ChunkToolCallDelta, ToolCallID: pc.id, ArgsDelta: tc.Function.Arguments}); err != nil {
					return ember.ChatResponse{}, a.connErr("stream", err)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ember.ChatResponse{}, a.connErr("read stream", err)
	}

	msg := ember.AssistantMessage(content.String())
	for _, pc := range calls {
		args := json.RawMessage(pc.args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		msg.ToolCalls = append(msg.ToolCalls, ember.ToolCall{ID: pc.id, Name: pc.name, Args: args})
		if pc.started {
			if err := emit(ember.Chunk{Type: ember.ChunkToolCallEnd, ToolCallID: pc.id, ToolName: pc.name}); err != nil {
				return ember.ChatResponse{}, a.connErr("stream", err)
			}
		}
	}
	_ = emit(ember.Chunk{Type: ember.ChunkUsageReport, Usage: &total})
	_ = emit(ember.Chunk{Type: ember.ChunkDone, Usage: &total})

	return ember.ChatResponse{Message: msg, Usage: total}, nil
}
