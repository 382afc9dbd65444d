// Package anthropic implements ember.Adapter over the official Anthropic SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/venalis/ember"
)

const defaultMaxTokens = 4096

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) AdapterOption {
	return func(a *Adapter) { a.baseURL = url }
}

// WithContextWindow sets the advertised context window in tokens
// (default 200000).
func WithContextWindow(tokens int) AdapterOption {
	return func(a *Adapter) { a.contextWindow = tokens }
}

// Adapter implements ember.Adapter for Anthropic's Messages API. Failures are
// classified into ember.ProviderError kinds; the adapter itself never
// retries.
type Adapter struct {
	client        sdk.Client
	model         string
	baseURL       string
	contextWindow int
}

var _ ember.Adapter = (*Adapter)(nil)

// New creates an adapter for the given model.
func New(apiKey, model string, opts ...AdapterOption) *Adapter {
	a := &Adapter{model: model, contextWindow: 200000}
	for _, o := range opts {
		o(a)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(a.baseURL) != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(a.baseURL))
	}
	a.client = sdk.NewClient(reqOpts...)
	return a
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) Capabilities() ember.Capabilities {
	return ember.Capabilities{
		SupportsTools:      true,
		SupportsStreaming:  true,
		SupportsSystemRole: true,
		MaxContextTokens:   a.contextWindow,
	}
}

// Chat accumulates the streaming API into a complete response. The Messages
// API is served through one code path so tool-call assembly and usage
// accounting cannot diverge between modes.
func (a *Adapter) Chat(ctx context.Context, req ember.ChatRequest) (ember.ChatResponse, error) {
	ch := make(chan ember.Chunk, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
		}
	}()
	resp, err := a.ChatStream(ctx, req, ch)
	<-done
	return resp, err
}

// ChatStream streams normalized chunks into ch, then returns the accumulated
// response. ch is closed before returning.
func (a *Adapter) ChatStream(ctx context.Context, req ember.ChatRequest, ch chan<- ember.Chunk) (ember.ChatResponse, error) {
	defer close(ch)

	params, err := a.buildParams(req)
	if err != nil {
		return ember.ChatResponse{}, err
	}
	stream := a.client.Messages.NewStreaming(ctx, params)

	var content strings.Builder
	var total ember.Usage
	var calls []ember.ToolCall
	var curID, curName string
	var curArgs strings.Builder
	inToolBlock := false

	emit := func(c ember.Chunk) {
		select {
		case ch <- c:
		case <-ctx.Done():
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			total.InputTokens = int(ms.Message.Usage.InputTokens)
			total.CacheReadTokens = int(ms.Message.Usage.CacheReadInputTokens)
			total.CacheCreationTokens = int(ms.Message.Usage.CacheCreationInputTokens)

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			if cbs.ContentBlock.Type == "tool_use" {
				tu := cbs.ContentBlock.AsToolUse()
				inToolBlock = true
				curID, curName = tu.ID, tu.Name
				curArgs.Reset()
				emit(ember.Chunk{Type: ember.ChunkToolCallStart, ToolCallID: curID, ToolName: curName})
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					emit(ember.Chunk{Type: ember.ChunkTextDelta, Text: delta.Text})
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					curArgs.WriteString(delta.PartialJSON)
					emit(ember.Chunk{Type: ember.ChunkToolCallDelta, ToolCallID: curID, ArgsDelta: delta.PartialJSON})
				}
			}

		case "content_block_stop":
			if inToolBlock {
				args := json.RawMessage(curArgs.String())
				if !json.Valid(args) {
					args = json.RawMessage(`{}`)
				}
				calls = append(calls, ember.ToolCall{ID: curID, Name: curName, Args: args})
				emit(ember.Chunk{Type: ember.ChunkToolCallEnd, ToolCallID: curID, ToolName: curName})
				inToolBlock = false
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				total.OutputTokens = int(md.Usage.OutputTokens)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return ember.ChatResponse{}, a.classify(err)
	}

	emit(ember.Chunk{Type: ember.ChunkUsageReport, Usage: &total})
	emit(ember.Chunk{Type: ember.ChunkDone, Usage: &total})

	msg := ember.AssistantMessage(content.String())
	msg.ToolCalls = calls
	return ember.ChatResponse{Message: msg, Usage: total}, nil
}

func (a *Adapter) buildParams(req ember.ChatRequest) (sdk.MessageNewParams, error) {
	model := req.Params.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Params.Temperature != nil {
		params.Temperature = sdk.Float(*req.Params.Temperature)
	}
	if len(req.Params.Stop) > 0 {
		params.StopSequences = req.Params.Stop
	}

	for _, m := range req.Messages {
		// System messages travel in params.System, not the message list.
		if m.Role == ember.RoleSystem {
			params.System = append(params.System, sdk.TextBlockParam{Type: "text", Text: m.Content})
			continue
		}
		var content []sdk.ContentBlockParamUnion
		if m.Role == ember.RoleTool {
			isError := strings.HasPrefix(m.Content, "error: ")
			content = append(content, sdk.NewToolResultBlock(m.ToolCallID, m.Content, isError))
		} else if m.Content != "" {
			content = append(content, sdk.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Args, &input); err != nil {
				return params, &ember.ProviderError{
					Provider: "anthropic",
					Model:    model,
					Kind:     ember.ErrLLMInvalidRequest,
					Message:  fmt.Sprintf("tool call %s: invalid arguments: %v", tc.ID, err),
					Err:      err,
				}
			}
			content = append(content, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if m.Role == ember.RoleAssistant {
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(content...))
		} else {
			params.Messages = append(params.Messages, sdk.NewUserMessage(content...))
		}
	}

	for _, t := range req.Tools {
		raw := t.Parameters
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return params, &ember.ProviderError{
				Provider: "anthropic",
				Model:    model,
				Kind:     ember.ErrLLMInvalidRequest,
				Message:  fmt.Sprintf("tool %s: invalid schema: %v", t.Name, err),
				Err:      err,
			}
		}
		tool := sdk.ToolUnionParamOfTool(schema, t.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = sdk.String(t.Description)
		}
		params.Tools = append(params.Tools, tool)
	}
	return params, nil
}

// classify maps SDK errors to ProviderError kinds. Context-window rejections
// arrive as 400s with a telltale message rather than 413.
func (a *Adapter) classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := ember.ClassifyStatus(apiErr.StatusCode)
		msg := apiErr.Error()
		if kind == ember.ErrLLMInvalidRequest && strings.Contains(msg, "prompt is too long") {
			kind = ember.ErrLLMContextOverflow
		}
		return &ember.ProviderError{
			Provider: "anthropic",
			Model:    a.model,
			Kind:     kind,
			Status:   apiErr.StatusCode,
			Message:  msg,
			Err:      err,
		}
	}
	return &ember.ProviderError{
		Provider: "anthropic",
		Model:    a.model,
		Kind:     ember.ErrLLMConnection,
		Message:  err.Error(),
		Err:      err,
	}
}
