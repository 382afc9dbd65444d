package ember

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for tests. SearchKeywords ranks by token
// overlap with the query, which is enough to exercise the retriever's
// blending and caching without a real index.
type memStore struct {
	mu      sync.Mutex
	entries map[string]MemoryEntry
	convs   map[string]Conversation
	usage   []Usage

	searchErr error
	storeErr  error
	loadErr   error
	saveErr   error
	statsErr  error

	touched []string
	saves   int
}

var (
	_ Store          = (*memStore)(nil)
	_ VectorSearcher = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		entries: make(map[string]MemoryEntry),
		convs:   make(map[string]Conversation),
	}
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) StoreEntry(_ context.Context, e MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.entries[e.ID] = e
	return nil
}

func (s *memStore) GetEntry(_ context.Context, id string) (MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return MemoryEntry{}, Errorf(ErrMemoryRetrieval, "entry %q not found", id)
	}
	return e, nil
}

func (s *memStore) GetEntries(_ context.Context, ids []string) ([]MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MemoryEntry
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) SearchKeywords(_ context.Context, query string, limit int) ([]ScoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	qtoks := Tokenize(query)
	if len(qtoks) == 0 {
		return nil, nil
	}
	var out []ScoredEntry
	for _, e := range s.entries {
		set := make(map[string]bool)
		for _, t := range e.Keywords {
			set[t] = true
		}
		for _, t := range Tokenize(e.Content) {
			set[t] = true
		}
		hits := 0
		for _, t := range qtoks {
			if set[t] {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, ScoredEntry{MemoryEntry: e, Score: float64(hits) / float64(len(qtoks))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SearchVectors(_ context.Context, embedding []float32, limit int) ([]ScoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredEntry
	for _, e := range s.entries {
		if len(e.Embedding) == 0 || len(e.Embedding) != len(embedding) {
			continue
		}
		out = append(out, ScoredEntry{MemoryEntry: e, Score: cosine01(embedding, e.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, id)
	if e, ok := s.entries[id]; ok {
		e.AccessCount++
		e.LastAccessedAt = time.Now().Unix()
		s.entries[id] = e
	}
	return nil
}

func (s *memStore) ListRecent(_ context.Context, k int) ([]MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MemoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *memStore) DeleteEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *memStore) LoadConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return Conversation{}, s.loadErr
	}
	c, ok := s.convs[id]
	if !ok {
		return Conversation{ID: id}, nil
	}
	return c, nil
}

func (s *memStore) SaveConversation(_ context.Context, id string, msgs []Message, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	c, ok := s.convs[id]
	if !ok {
		c = Conversation{ID: id, CreatedAt: time.Now().Unix()}
	}
	have := make(map[string]bool, len(c.Messages))
	for _, m := range c.Messages {
		have[m.ID] = true
	}
	for _, m := range msgs {
		if !have[m.ID] {
			c.Messages = append(c.Messages, m)
		}
	}
	if title != "" {
		c.Title = title
	}
	s.convs[id] = c
	return nil
}

func (s *memStore) RecordUsage(_ context.Context, _, _, _ string, u Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, u)
	return nil
}

func (s *memStore) UsageTotals(_ context.Context, _ int64) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total Usage
	for _, u := range s.usage {
		total.Add(u)
	}
	return total, nil
}

func (s *memStore) Stats(_ context.Context) (StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statsErr != nil {
		return StoreStats{}, s.statsErr
	}
	return StoreStats{Entries: len(s.entries), Conversations: len(s.convs)}, nil
}

func (s *memStore) entryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *memStore) conversation(id string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id]
}

// --- Adapter stubs ---

// scriptStep is one pre-configured adapter outcome. chunks, when set, stream
// before the return.
type scriptStep struct {
	resp   ChatResponse
	chunks []Chunk
	err    error
}

// scriptedAdapter returns its steps in call order, sharing one counter across
// Chat and ChatStream. Calls past the script repeat the last step.
type scriptedAdapter struct {
	mu    sync.Mutex
	name  string
	caps  Capabilities
	steps []scriptStep

	calls int
	reqs  []ChatRequest
}

var _ Adapter = (*scriptedAdapter)(nil)

func newScriptedAdapter(name string, steps ...scriptStep) *scriptedAdapter {
	return &scriptedAdapter{
		name: name,
		caps: Capabilities{
			SupportsTools:      true,
			SupportsStreaming:  true,
			SupportsSystemRole: true,
			MaxContextTokens:   100000,
		},
		steps: steps,
	}
}

func (a *scriptedAdapter) next(req ChatRequest) scriptStep {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
	i := a.calls
	a.calls++
	if i >= len(a.steps) {
		if len(a.steps) == 0 {
			return scriptStep{}
		}
		return a.steps[len(a.steps)-1]
	}
	return a.steps[i]
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *scriptedAdapter) Name() string               { return a.name }
func (a *scriptedAdapter) Capabilities() Capabilities { return a.caps }

func (a *scriptedAdapter) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	s := a.next(req)
	return s.resp, s.err
}

func (a *scriptedAdapter) ChatStream(_ context.Context, req ChatRequest, ch chan<- Chunk) (ChatResponse, error) {
	defer close(ch)
	s := a.next(req)
	for _, c := range s.chunks {
		ch <- c
	}
	return s.resp, s.err
}

// textResponse builds a plain assistant reply step.
func textResponse(text string) scriptStep {
	return scriptStep{resp: ChatResponse{
		Message: AssistantMessage(text),
		Usage:   Usage{InputTokens: 10, OutputTokens: 5},
	}}
}

// toolCallResponse builds an assistant reply requesting the given calls.
func toolCallResponse(calls ...ToolCall) scriptStep {
	msg := AssistantMessage("")
	msg.ToolCalls = calls
	return scriptStep{resp: ChatResponse{
		Message: msg,
		Usage:   Usage{InputTokens: 10, OutputTokens: 5},
	}}
}

func connErr(provider string) *ProviderError {
	return &ProviderError{Provider: provider, Kind: ErrLLMConnection, Message: "dial refused"}
}

// zeroDelayPolicy keeps the retry shape but removes real sleeping.
func zeroDelayPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: time.Nanosecond, Factor: 1, Cap: time.Nanosecond}
}

func instantSleep(context.Context, time.Duration) error { return nil }

// newTestClient wires adapters behind a fresh monitor with no real backoff.
func newTestClient(adapters ...Adapter) (*Client, *HealthMonitor) {
	health := NewHealthMonitor(DefaultHealthConfig())
	client := NewClient(adapters, health,
		ClientRetryPolicy(zeroDelayPolicy()),
		clientSleep(instantSleep),
	)
	return client, health
}

// --- Tool mocks ---

// echoTool returns its "text" argument.
type echoTool struct{}

func (echoTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo the input text",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Required:    []string{"text"},
	}
}

func (echoTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	return p.Text, nil
}

// failTool always fails.
type failTool struct{}

func (failTool) Definition() ToolDefinition {
	return ToolDefinition{Name: "fail", Description: "Always fails"}
}

func (failTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "", Errorf(ErrToolExecution, "tool broken")
}

// securityTool always raises a security error.
type securityTool struct{}

func (securityTool) Definition() ToolDefinition {
	return ToolDefinition{Name: "locked", Description: "Always denied"}
}

func (securityTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "", Errorf(ErrToolSecurity, "access denied")
}

// slowTool blocks until the context ends.
type slowTool struct{}

func (slowTool) Definition() ToolDefinition {
	return ToolDefinition{Name: "slow", Description: "Blocks forever", TimeoutSeconds: 1}
}

func (slowTool) Execute(ctx context.Context, _ json.RawMessage) (string, error) {
	<-ctx.Done()
	return "partial", ctx.Err()
}

// gaugeTool tracks in-flight concurrency so tests can assert the parallelism
// bound. Each call holds briefly to give overlap a chance to show.
type gaugeTool struct {
	mu       sync.Mutex
	inflight int
	maxSeen  int
	hold     time.Duration
}

func (g *gaugeTool) Definition() ToolDefinition {
	return ToolDefinition{Name: "gauge", Description: "Record concurrency"}
}

func (g *gaugeTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	g.mu.Lock()
	g.inflight++
	if g.inflight > g.maxSeen {
		g.maxSeen = g.inflight
	}
	g.mu.Unlock()

	hold := g.hold
	if hold == 0 {
		hold = 20 * time.Millisecond
	}
	time.Sleep(hold)

	g.mu.Lock()
	g.inflight--
	g.mu.Unlock()
	return "ok", nil
}

func (g *gaugeTool) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen
}

// rendezvousTool proves true parallelism: every call waits until n calls have
// arrived, so a wrongly serialized layer deadlocks against the call context.
type rendezvousTool struct {
	n       int
	mu      sync.Mutex
	arrived int
	release chan struct{}
	once    sync.Once
}

func newRendezvousTool(n int) *rendezvousTool {
	return &rendezvousTool{n: n, release: make(chan struct{})}
}

func (r *rendezvousTool) Definition() ToolDefinition {
	return ToolDefinition{Name: "rendezvous", Description: "Wait for peers", TimeoutSeconds: 2}
}

func (r *rendezvousTool) Execute(ctx context.Context, _ json.RawMessage) (string, error) {
	r.mu.Lock()
	r.arrived++
	if r.arrived >= r.n {
		r.once.Do(func() { close(r.release) })
	}
	r.mu.Unlock()
	select {
	case <-r.release:
		return "met", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// keyedTool carries an exclusive key from its "key" argument and records
// execution order.
type keyedTool struct {
	mu    sync.Mutex
	order []string
}

var _ ExclusiveKeyer = (*keyedTool)(nil)

func (k *keyedTool) Definition() ToolDefinition {
	return ToolDefinition{Name: "keyed", Description: "Exclusive by key"}
}

func (k *keyedTool) ExclusiveKeys(args json.RawMessage) []string {
	var p struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(args, &p); err != nil || p.Key == "" {
		return nil
	}
	return []string{p.Key}
}

func (k *keyedTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(args, &p)
	k.mu.Lock()
	k.order = append(k.order, p.ID)
	k.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return p.ID, nil
}

// fixedEmbedder returns one constant vector per text.
type fixedEmbedder struct {
	vec  []float32
	err  error
	dims int
}

func (f *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fixedEmbedder) Dimensions() int {
	if f.dims > 0 {
		return f.dims
	}
	return len(f.vec)
}

func (f *fixedEmbedder) Name() string { return "fixed" }

// --- Agent fixture ---

type agentFixture struct {
	adapter  *scriptedAdapter
	store    *memStore
	registry *Registry
	agent    *Agent
}

// newAgentFixture wires a full agent over a scripted adapter and in-memory
// store. Extra options layer on top of the defaults.
func newAgentFixture(tools []Tool, steps []scriptStep, opts ...AgentOption) *agentFixture {
	adapter := newScriptedAdapter("primary", steps...)
	client, _ := newTestClient(adapter)
	store := newMemStore()
	registry := NewRegistry()
	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			panic(err)
		}
	}
	agent := NewAgent(
		client,
		store,
		NewRetriever(store),
		NewCompactor(client),
		NewExecutor(registry),
		registry,
		NewEntityTracker(20, 300*time.Second),
		Persona{Soul: "You are a helpful assistant."},
		EnvironmentInfo{OS: "linux", WorkingDir: "/work"},
		AgentConfig{Model: "test-model"},
		opts...,
	)
	return &agentFixture{adapter: adapter, store: store, registry: registry, agent: agent}
}

// collectEvents drains a stream channel into a slice.
func collectEvents(ch <-chan StreamEvent) []StreamEvent {
	var out []StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}
