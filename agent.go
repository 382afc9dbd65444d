package ember

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// StopReason reports why the agent loop ended.
type StopReason string

const (
	StopDone      StopReason = "done"
	StopIterCap   StopReason = "iter_cap"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	// Response is the final sanitized assistant text.
	Response string
	Reason   StopReason
	Task     TaskRecord
	// PersistWarning is set when the final persist failed; the turn itself
	// still succeeded.
	PersistWarning error
}

// AgentConfig tunes the loop. Zero values take the documented defaults.
type AgentConfig struct {
	MaxIterations int // default 10
	// TargetPromptTokens bounds the assembled prompt; zero derives 60% of the
	// adapter's context window.
	TargetPromptTokens int
	// RetrieveTopK memories per turn (default 5).
	RetrieveTopK int
	Temperature  *float64
	MaxTokens    int
	Model        string
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.RetrieveTopK <= 0 {
		c.RetrieveTopK = 5
	}
	return c
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// AgentLogger sets a structured logger.
func AgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// AgentTracer sets a tracer for per-turn and per-iteration spans.
func AgentTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// AgentVerifier enables completion verification (default: accept any
// terminal response).
func AgentVerifier(v *Verifier) AgentOption {
	return func(a *Agent) { a.verifier = v }
}

// AgentMonitor attaches a task monitor for metrics and retrospects.
func AgentMonitor(m *TaskMonitor) AgentOption {
	return func(a *Agent) { a.monitor = m }
}

// agentClock overrides the clock in tests.
func agentClock(now func() time.Time) AgentOption {
	return func(a *Agent) { a.now = now }
}

// Agent runs the tool-use loop for one user turn: retrieve memory, assemble
// the prompt, compact to budget, call the model, execute requested tools, and
// repeat until the model stops asking for work or the iteration cap is hit.
// One Agent serves many concurrent turns; per-turn state lives on the stack.
type Agent struct {
	client    *Client
	store     Store
	retriever *Retriever
	assembler *Assembler
	compactor *Compactor
	executor  *Executor
	registry  *Registry
	entities  *EntityTracker
	verifier  *Verifier
	monitor   *TaskMonitor
	persona   Persona
	env       EnvironmentInfo
	cfg       AgentConfig
	logger    *slog.Logger
	tracer    Tracer
	now       func() time.Time
}

// NewAgent wires the loop's collaborators. All handles are explicit; the
// agent holds no process-global state.
func NewAgent(
	client *Client,
	store Store,
	retriever *Retriever,
	compactor *Compactor,
	executor *Executor,
	registry *Registry,
	entities *EntityTracker,
	persona Persona,
	env EnvironmentInfo,
	cfg AgentConfig,
	opts ...AgentOption,
) *Agent {
	a := &Agent{
		client:    client,
		store:     store,
		retriever: retriever,
		assembler: NewAssembler(),
		compactor: compactor,
		executor:  executor,
		registry:  registry,
		entities:  entities,
		persona:   persona,
		env:       env,
		cfg:       cfg.withDefaults(),
		logger:    nopLogger,
		tracer:    NopTracer{},
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run executes one user turn synchronously.
func (a *Agent) Run(ctx context.Context, conversationID, userText string) (TurnResult, error) {
	return a.run(ctx, conversationID, userText, nil)
}

// RunStream executes one user turn, forwarding events to sink as they are
// produced. sink is closed before returning. A turn-level failure becomes a
// single error event; no events follow it.
func (a *Agent) RunStream(ctx context.Context, conversationID, userText string, sink chan<- StreamEvent) (TurnResult, error) {
	defer close(sink)
	res, err := a.run(ctx, conversationID, userText, sink)
	if err != nil {
		kind := KindOf(err)
		sink <- StreamEvent{Type: EventError, Content: err.Error(), Kind: kind, Retriable: kind.Retryable()}
		return res, err
	}
	sink <- StreamEvent{Type: EventDone, Content: res.Response, Usage: &res.Task.Usage}
	return res, nil
}

func (a *Agent) run(ctx context.Context, conversationID, userText string, sink chan<- StreamEvent) (TurnResult, error) {
	ctx, span := a.tracer.Start(ctx, "agent.turn", StringAttr("conversation", conversationID))
	defer span.End()

	task := TaskRecord{
		TaskID:      NewID(),
		Description: truncateRunes(userText, 200),
		StartedAt:   a.now().Unix(),
	}

	conv, err := a.store.LoadConversation(ctx, conversationID)
	if err != nil {
		// A fresh conversation must not be blocked by a read failure.
		a.logger.Warn("conversation load failed, starting empty", "id", conversationID, "error", err)
		conv = Conversation{ID: conversationID}
	}
	userMsg := UserMessage(userText)
	working := append(conv.Messages, userMsg)
	newFrom := len(conv.Messages)

	target := a.cfg.TargetPromptTokens
	if target <= 0 {
		if w := a.client.Capabilities().MaxContextTokens; w > 0 {
			target = w * 60 / 100
		} else {
			target = 48000
		}
	}

	res := TurnResult{Task: task}
	overflowRetried := false
	toolSucceeded := false

	for iteration := 0; ; iteration++ {
		if iteration >= a.cfg.MaxIterations {
			res.Reason = StopIterCap
			break
		}
		if ctx.Err() != nil {
			res.Reason = StopCancelled
			break
		}

		prompt := a.buildPrompt(ctx, userText, working, target)

		itRec := IterationRecord{
			Index:     iteration,
			Model:     a.cfg.Model,
			StartedAt: a.now().Unix(),
		}
		resp, err := a.chatIteration(ctx, prompt, sink)
		itRec.EndedAt = a.now().Unix()
		itRec.PromptTokens = resp.Usage.InputTokens
		itRec.CompletionTokens = resp.Usage.OutputTokens

		if err != nil {
			if KindOf(err) == ErrLLMContextOverflow && !overflowRetried {
				// One tighter compaction, then one retry of this iteration.
				overflowRetried = true
				target = target * 80 / 100
				a.logger.Warn("context overflow, recompacting", "new_target", target)
				iteration--
				continue
			}
			if ctx.Err() != nil {
				res.Reason = StopCancelled
				break
			}
			res.Reason = StopError
			res.Task.Error = err.Error()
			a.finish(ctx, &res, conversationID, working, newFrom, userText, false)
			return res, err
		}

		assistant := resp.Message
		assistant.Content = Sanitize(assistant.Content)
		working = append(working, assistant)
		res.Task.Usage.Add(resp.Usage)
		for _, tc := range assistant.ToolCalls {
			itRec.ToolCalls = append(itRec.ToolCalls, tc.Name)
		}
		res.Task.AddIteration(itRec)

		if len(assistant.ToolCalls) == 0 {
			if a.verifier == nil || iteration == 0 ||
				a.verifier.IsComplete(ctx, assistant.Content, userText, toolSucceeded) {
				res.Reason = StopDone
				res.Response = assistant.Content
				break
			}
			// Incomplete per the verifier: give the model another iteration.
			res.Response = assistant.Content
			continue
		}

		results := a.executor.ExecuteCalls(ctx, assistant.ToolCalls, func(ev StreamEvent) {
			if sink != nil {
				sink <- ev
			}
		})
		for i, r := range results {
			if r.Success() {
				toolSucceeded = true
				a.entities.ObserveToolCall(assistant.ToolCalls[i], r)
			}
			working = append(working, ToolMessage(r))
			if sink != nil {
				sink <- StreamEvent{
					Type:    EventToolResult,
					ID:      r.ToolCallID,
					Name:    assistant.ToolCalls[i].Name,
					Content: truncateRunes(r.Content, 2000),
				}
			}
		}

		if ctx.Err() != nil {
			res.Reason = StopCancelled
			break
		}
	}

	if res.Response == "" {
		res.Response = lastAssistantText(working)
	}
	success := res.Reason == StopDone
	a.finish(ctx, &res, conversationID, working, newFrom, userText, success)
	if res.Reason == StopCancelled {
		return res, &CoreError{Kind: ErrCancelled, Message: "turn cancelled", Err: context.Canceled}
	}
	return res, nil
}

// buildPrompt retrieves memory, assembles the system prompt, and compacts the
// working history to the target budget.
func (a *Agent) buildPrompt(ctx context.Context, userText string, working []Message, target int) []Message {
	var retrieved []ScoredEntry
	if a.retriever != nil {
		retrieved = a.retriever.Retrieve(ctx, userText, a.cfg.RetrieveTopK)
	}

	caps := a.client.Capabilities()
	out := a.assembler.Assemble(AssembleInput{
		Persona:  a.persona,
		Env:      a.env,
		Memory:   retrieved,
		Entities: a.entities.Render(),
		Tools:    a.registry.Definitions(),
		Budget:   target / 3,
		Caps:     caps,
	})

	msgs := append([]Message{out.System}, working...)
	if out.Hidden != nil {
		// The hidden context block slots in right after the system message.
		msgs = append([]Message{out.System, *out.Hidden}, working...)
	}
	compacted, _ := a.compactor.Compress(ctx, msgs, target)
	return compacted
}

// chatIteration issues one LLM call, streaming deltas to sink when attached.
func (a *Agent) chatIteration(ctx context.Context, msgs []Message, sink chan<- StreamEvent) (ChatResponse, error) {
	req := ChatRequest{
		Messages: msgs,
		Tools:    a.registry.Definitions(),
		Params: ChatParams{
			Model:       a.cfg.Model,
			Temperature: a.cfg.Temperature,
			MaxTokens:   a.cfg.MaxTokens,
		},
	}
	ctx, span := a.tracer.Start(ctx, "agent.llm_call", IntAttr("messages", len(msgs)))
	defer span.End()

	if sink == nil || !a.client.Capabilities().SupportsStreaming {
		resp, err := a.client.Chat(ctx, req)
		if err != nil {
			span.Error(err)
		}
		return resp, err
	}

	chunks := make(chan Chunk, 64)
	done := make(chan struct{})
	var resp ChatResponse
	var err error
	go func() {
		defer close(done)
		resp, err = a.client.ChatStream(ctx, req, chunks)
	}()
	for chunk := range chunks {
		if chunk.Type == ChunkTextDelta && chunk.Text != "" {
			sink <- StreamEvent{Type: EventText, Content: chunk.Text}
		}
	}
	<-done
	if err != nil {
		span.Error(err)
	}
	return resp, err
}

// finish persists the turn's new messages and records the task. Persist
// failures degrade to a warning on the result.
func (a *Agent) finish(ctx context.Context, res *TurnResult, conversationID string, working []Message, newFrom int, userText string, success bool) {
	res.Task.EndedAt = a.now().Unix()
	res.Task.Success = success

	// Best-effort persist, even when cancelled: completed work survives.
	persistCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	title := ""
	if newFrom == 0 {
		title = truncateRunes(strings.ReplaceAll(userText, "\n", " "), 60)
	}
	if err := a.store.SaveConversation(persistCtx, conversationID, working[newFrom:], title); err != nil {
		a.logger.Warn("conversation persist failed", "id", conversationID, "error", err)
		res.PersistWarning = &CoreError{Kind: ErrMemoryStorage, Message: "persist conversation", Err: err}
	}
	if success && res.Response != "" {
		entry := MemoryEntry{
			ID:             NewID(),
			ConversationID: conversationID,
			Kind:           KindInteraction,
			Content:        userText + "\n" + truncateRunes(res.Response, 500),
			Importance:     0.5,
			CreatedAt:      a.now().Unix(),
			LastAccessedAt: a.now().Unix(),
		}
		if err := a.store.StoreEntry(persistCtx, entry); err != nil {
			a.logger.Warn("memory write failed", "error", err)
		} else if a.retriever != nil {
			a.retriever.Invalidate()
		}
	}
	if a.monitor != nil {
		provider := ""
		if p := a.client.Primary(); p != nil {
			provider = p.Name()
		}
		a.monitor.Complete(persistCtx, res.Task, provider)
	}
}

func lastAssistantText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}
