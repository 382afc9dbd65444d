package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/venalis/ember"
)

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithName overrides the provider name reported to the health monitor
// (default "openai"). Use it to distinguish multiple OpenAI-compatible
// endpoints in one fallback chain.
func WithName(name string) AdapterOption {
	return func(a *Adapter) { a.name = name }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) AdapterOption {
	return func(a *Adapter) { a.client = c }
}

// WithContextWindow sets the advertised context window in tokens
// (default 128000).
func WithContextWindow(tokens int) AdapterOption {
	return func(a *Adapter) { a.contextWindow = tokens }
}

// Adapter implements ember.Adapter over the OpenAI chat completions wire
// format. It classifies failures into ember.ProviderError kinds and never
// retries.
type Adapter struct {
	apiKey        string
	model         string
	baseURL       string
	name          string
	contextWindow int
	client        *http.Client
}

var _ ember.Adapter = (*Adapter)(nil)

// New creates an adapter. baseURL is the API base (e.g.
// "https://api.openai.com/v1"); the /chat/completions path is appended.
func New(apiKey, model, baseURL string, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		apiKey:        apiKey,
		model:         model,
		baseURL:       baseURL,
		name:          "openai",
		contextWindow: 128000,
		client:        &http.Client{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() ember.Capabilities {
	return ember.Capabilities{
		SupportsTools:      true,
		SupportsStreaming:  true,
		SupportsSystemRole: true,
		MaxContextTokens:   a.contextWindow,
	}
}

// Chat sends a non-streaming request and returns the complete response.
func (a *Adapter) Chat(ctx context.Context, req ember.ChatRequest) (ember.ChatResponse, error) {
	resp, err := a.send(ctx, a.buildBody(req, false))
	if err != nil {
		return ember.ChatResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ember.ChatResponse{}, a.httpErr(resp)
	}

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return ember.ChatResponse{}, a.malformed("decode response", err)
	}
	return a.parse(wire)
}

// ChatStream streams normalized chunks into ch, then returns the accumulated
// response. ch is closed before returning.
func (a *Adapter) ChatStream(ctx context.Context, req ember.ChatRequest, ch chan<- ember.Chunk) (ember.ChatResponse, error) {
	body := a.buildBody(req, true)
	resp, err := a.send(ctx, body)
	if err != nil {
		close(ch)
		return ember.ChatResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		close(ch)
		return ember.ChatResponse{}, a.httpErr(resp)
	}
	return a.streamSSE(ctx, resp.Body, ch)
}

func (a *Adapter) buildBody(req ember.ChatRequest, stream bool) chatRequest {
	model := req.Params.Model
	if model == "" {
		model = a.model
	}
	body := chatRequest{
		Model:       model,
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxTokens,
		Stop:        req.Params.Stop,
		Stream:      stream,
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for _, m := range req.Messages {
		wm := message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, toolCallRequest{
				ID:   tc.ID,
				Type: "function",
				Function: functionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		body.Messages = append(body.Messages, wm)
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		body.Tools = append(body.Tools, tool{
			Type: "function",
			Function: function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	switch req.Params.ToolChoice {
	case "", "auto":
	case "none":
		body.ToolChoice = "none"
	default:
		body.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]string{"name": req.Params.ToolChoice},
		}
	}
	return body
}

func (a *Adapter) parse(wire chatResponse) (ember.ChatResponse, error) {
	if len(wire.Choices) == 0 || wire.Choices[0].Message == nil {
		return ember.ChatResponse{}, a.malformed("response has no choices", nil)
	}
	cm := wire.Choices[0].Message
	msg := ember.AssistantMessage(cm.Content)
	for _, tc := range cm.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		msg.ToolCalls = append(msg.ToolCalls, ember.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return ember.ChatResponse{Message: msg, Usage: convertUsage(wire.Usage)}, nil
}

func convertUsage(u *usage) ember.Usage {
	if u == nil {
		return ember.Usage{}
	}
	out := ember.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

func (a *Adapter) send(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, a.malformed("marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, a.connErr("create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.connErr("send request", err)
	}
	return resp, nil
}

// httpErr reads the error body and classifies the status, parsing the
// Retry-After header when present.
func (a *Adapter) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(body)
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}
	return &ember.ProviderError{
		Provider:   a.name,
		Model:      a.model,
		Kind:       ember.ClassifyStatus(resp.StatusCode),
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Message:    msg,
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func (a *Adapter) connErr(op string, err error) error {
	return &ember.ProviderError{
		Provider: a.name,
		Model:    a.model,
		Kind:     ember.ErrLLMConnection,
		Message:  fmt.Sprintf("%s: %v", op, err),
		Err:      err,
	}
}

func (a *Adapter) malformed(op string, err error) error {
	return &ember.ProviderError{
		Provider: a.name,
		Model:    a.model,
		Kind:     ember.ErrLLMResponseMalformed,
		Message:  fmt.Sprintf("%s: %v", op, err),
		Err:      err,
	}
}
