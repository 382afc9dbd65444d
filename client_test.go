package ember

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClientChat_FirstProviderServes(t *testing.T) {
	primary := newScriptedAdapter("primary", textResponse("hello"))
	secondary := newScriptedAdapter("secondary", textResponse("fallback"))
	client, _ := newTestClient(primary, secondary)

	resp, err := client.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "hello" {
		t.Errorf("got %q, want %q", resp.Message.Content, "hello")
	}
	if secondary.callCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.callCount())
	}
}

func TestClientChat_RetriesTransientThenSucceeds(t *testing.T) {
	primary := newScriptedAdapter("primary",
		scriptStep{err: connErr("primary")},
		textResponse("recovered"),
	)
	client, _ := newTestClient(primary)

	resp, err := client.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "recovered" {
		t.Errorf("got %q, want %q", resp.Message.Content, "recovered")
	}
	if primary.callCount() != 2 {
		t.Errorf("got %d calls, want 2", primary.callCount())
	}
}

func TestClientChat_FailsOverAfterRetryBudget(t *testing.T) {
	primary := newScriptedAdapter("primary", scriptStep{err: connErr("primary")})
	secondary := newScriptedAdapter("secondary", textResponse("fallback"))
	client, health := newTestClient(primary, secondary)

	resp, err := client.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "fallback" {
		t.Errorf("got %q, want %q", resp.Message.Content, "fallback")
	}
	if primary.callCount() != 3 {
		t.Errorf("primary called %d times, want full retry budget of 3", primary.callCount())
	}
	// Three consecutive failures push the provider through the threshold.
	if got := health.Status("primary").Status; got != StatusUnhealthy {
		t.Errorf("primary status = %s, want %s", got, StatusUnhealthy)
	}
}

func TestClientChat_SkipsProviderInCooldown(t *testing.T) {
	primary := newScriptedAdapter("primary", scriptStep{err: connErr("primary")})
	secondary := newScriptedAdapter("secondary", textResponse("fallback"))
	client, _ := newTestClient(primary, secondary)

	if _, err := client.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	before := primary.callCount()
	if _, err := client.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if primary.callCount() != before {
		t.Errorf("primary called during cooldown: %d -> %d", before, primary.callCount())
	}
}

func TestClientChat_NonRetryableSkipsRetry(t *testing.T) {
	primary := newScriptedAdapter("primary",
		scriptStep{err: &ProviderError{Provider: "primary", Kind: ErrLLMResponseMalformed, Message: "bad json"}},
	)
	secondary := newScriptedAdapter("secondary", textResponse("fallback"))
	client, _ := newTestClient(primary, secondary)

	resp, err := client.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.callCount() != 1 {
		t.Errorf("primary called %d times, want 1 (no retry)", primary.callCount())
	}
	if resp.Message.Content != "fallback" {
		t.Errorf("got %q, want %q", resp.Message.Content, "fallback")
	}
}

func TestClientChat_ContextOverflowShortCircuitsFailover(t *testing.T) {
	primary := newScriptedAdapter("primary",
		scriptStep{err: &ProviderError{Provider: "primary", Kind: ErrLLMContextOverflow, Status: 413, Message: "too long"}},
	)
	secondary := newScriptedAdapter("secondary", textResponse("fallback"))
	client, _ := newTestClient(primary, secondary)

	_, err := client.Chat(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := KindOf(err); got != ErrLLMContextOverflow {
		t.Errorf("kind = %s, want %s", got, ErrLLMContextOverflow)
	}
	if secondary.callCount() != 0 {
		t.Errorf("secondary called %d times, want 0 (request-shaped failure)", secondary.callCount())
	}
}

func TestClientChat_AllProvidersExhausted(t *testing.T) {
	primary := newScriptedAdapter("primary", scriptStep{err: connErr("primary")})
	secondary := newScriptedAdapter("secondary", scriptStep{err: connErr("secondary")})
	client, _ := newTestClient(primary, secondary)

	_, err := client.Chat(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := KindOf(err); got != ErrLLMAllProvidersFailed {
		t.Fatalf("kind = %s, want %s", got, ErrLLMAllProvidersFailed)
	}
	var all *AllProvidersError
	if !errors.As(err, &all) {
		t.Fatalf("error %v does not wrap AllProvidersError", err)
	}
	for _, name := range []string{"primary", "secondary"} {
		if _, ok := all.Errors[name]; !ok {
			t.Errorf("per-provider errors missing %q", name)
		}
	}
}

func TestRetryPolicyDelay_RetryAfterIsFloor(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Factor: 2, Cap: 60 * time.Second}

	short := &ProviderError{Kind: ErrLLMRateLimit, RetryAfter: 5 * time.Second}
	if d := p.delay(0, short); d != 5*time.Second {
		t.Errorf("delay with Retry-After 5s = %v, want 5s", d)
	}
	// A Retry-After below the computed backoff does not shorten it.
	if d := p.delay(3, short); d != 8*time.Second {
		t.Errorf("delay attempt 3 = %v, want 8s backoff", d)
	}
	if d := p.delay(0, connErr("x")); d != time.Second {
		t.Errorf("delay without Retry-After = %v, want 1s", d)
	}
}

func TestRetryPolicyDelay_CapBoundsBackoff(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Factor: 2, Cap: 4 * time.Second}
	if d := p.delay(10, nil); d != 4*time.Second {
		t.Errorf("delay = %v, want cap 4s", d)
	}
}

func TestClientChatStream_ForwardsChunks(t *testing.T) {
	primary := newScriptedAdapter("primary", scriptStep{
		resp: ChatResponse{Message: AssistantMessage("hello world")},
		chunks: []Chunk{
			{Type: ChunkTextDelta, Text: "hello "},
			{Type: ChunkTextDelta, Text: "world"},
			{Type: ChunkDone},
		},
	})
	client, _ := newTestClient(primary)

	ch := make(chan Chunk, 64)
	resp, err := client.ChatStream(context.Background(), ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "hello world" {
		t.Errorf("got %q, want %q", resp.Message.Content, "hello world")
	}
	var text string
	for c := range ch {
		if c.Type == ChunkTextDelta {
			text += c.Text
		}
	}
	if text != "hello world" {
		t.Errorf("streamed %q, want %q", text, "hello world")
	}
}

func TestClientChatStream_FailsOverBeforeFirstChunk(t *testing.T) {
	primary := newScriptedAdapter("primary", scriptStep{err: connErr("primary")})
	secondary := newScriptedAdapter("secondary", scriptStep{
		resp:   ChatResponse{Message: AssistantMessage("ok")},
		chunks: []Chunk{{Type: ChunkTextDelta, Text: "ok"}},
	})
	client, _ := newTestClient(primary, secondary)

	ch := make(chan Chunk, 64)
	resp, err := client.ChatStream(context.Background(), ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("got %q, want %q", resp.Message.Content, "ok")
	}
	if secondary.callCount() != 1 {
		t.Errorf("secondary called %d times, want 1", secondary.callCount())
	}
}

func TestClientChatStream_ForwardedFailureIsTerminal(t *testing.T) {
	primary := newScriptedAdapter("primary", scriptStep{
		chunks: []Chunk{{Type: ChunkTextDelta, Text: "partial "}},
		err:    connErr("primary"),
	})
	secondary := newScriptedAdapter("secondary", textResponse("fallback"))
	client, _ := newTestClient(primary, secondary)

	ch := make(chan Chunk, 64)
	_, err := client.ChatStream(context.Background(), ChatRequest{}, ch)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if secondary.callCount() != 0 {
		t.Errorf("secondary called %d times after forwarded chunk, want 0", secondary.callCount())
	}
	if primary.callCount() != 1 {
		t.Errorf("primary retried %d times after forwarded chunk, want 1", primary.callCount())
	}
}

func TestClientCapabilities_FallsBackToPrimary(t *testing.T) {
	primary := newScriptedAdapter("primary")
	primary.caps.MaxContextTokens = 42000
	client, health := newTestClient(primary)

	for i := 0; i < 3; i++ {
		health.RecordFailure("primary", connErr("primary"))
	}
	if got := client.Capabilities().MaxContextTokens; got != 42000 {
		t.Errorf("capabilities window = %d, want primary's 42000", got)
	}
}

// cancellingAdapter cancels the turn mid-attempt, then fails with a transport
// error the way a real adapter reports a torn-down connection.
type cancellingAdapter struct {
	name   string
	cancel context.CancelFunc
	calls  int
}

func (a *cancellingAdapter) Name() string { return a.name }

func (a *cancellingAdapter) Capabilities() Capabilities {
	return Capabilities{SupportsStreaming: true, MaxContextTokens: 100000}
}

func (a *cancellingAdapter) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	a.calls++
	a.cancel()
	return ChatResponse{}, connErr(a.name)
}

func (a *cancellingAdapter) ChatStream(ctx context.Context, req ChatRequest, ch chan<- Chunk) (ChatResponse, error) {
	close(ch)
	a.calls++
	a.cancel()
	return ChatResponse{}, connErr(a.name)
}

func TestClientChat_CancellationNotCountedAgainstProvider(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapter := &cancellingAdapter{name: "primary", cancel: cancel}
	client, health := newTestClient(adapter)

	_, err := client.Chat(ctx, ChatRequest{Messages: []Message{UserMessage("hi")}})
	if KindOf(err) != ErrCancelled {
		t.Fatalf("kind = %s, want %s", KindOf(err), ErrCancelled)
	}
	if adapter.calls != 1 {
		t.Errorf("calls = %d, want no retry after cancellation", adapter.calls)
	}
	st := health.Status("primary")
	if st.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want cancellation ignored", st.ConsecutiveFailures)
	}
	if !health.IsAvailable("primary") {
		t.Error("provider should stay available after a cancelled turn")
	}
}

func TestClientChatStream_CancellationNotCountedAgainstProvider(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapter := &cancellingAdapter{name: "primary", cancel: cancel}
	client, health := newTestClient(adapter)

	ch := make(chan Chunk, 8)
	_, err := client.ChatStream(ctx, ChatRequest{Messages: []Message{UserMessage("hi")}}, ch)
	if KindOf(err) != ErrCancelled {
		t.Fatalf("kind = %s, want %s", KindOf(err), ErrCancelled)
	}
	if st := health.Status("primary"); st.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want cancellation ignored", st.ConsecutiveFailures)
	}
}
