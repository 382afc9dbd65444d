package ember

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ChatReply is the synchronous chat result.
type ChatReply struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id"`
	ToolCalls      []string `json:"tool_calls,omitempty"`
	Usage          Usage    `json:"usage"`
}

// ComponentHealth grades one subsystem in a health report.
type ComponentHealth struct {
	Status string `json:"status"` // ok, degraded, error
	Detail string `json:"detail,omitempty"`
}

// HealthReport is the assistant's liveness summary.
type HealthReport struct {
	Status string `json:"status"` // ok, degraded, error
	Agent  ComponentHealth `json:"agent"`
	Memory struct {
		ComponentHealth
		Count     int   `json:"count"`
		SizeBytes int64 `json:"size_bytes"`
	} `json:"memory"`
	Tools struct {
		ComponentHealth
		Count      int  `json:"count"`
		Responsive bool `json:"responsive"`
	} `json:"tools"`
	LLM struct {
		ComponentHealth
		Provider string `json:"provider"`
		Model    string `json:"model"`
	} `json:"llm"`
}

// StatusReport is the assistant's activity summary.
type StatusReport struct {
	Busy        bool   `json:"busy"`
	CurrentTask string `json:"current_task,omitempty"`
	UptimeS     int64  `json:"uptime_s"`
	Totals      struct {
		Conversations int   `json:"conversations"`
		ToolCalls     int64 `json:"tool_calls"`
		Tokens        int   `json:"tokens"`
	} `json:"totals"`
	MemoryCount int `json:"memory_count"`
	ToolCount   int `json:"tool_count"`
	LLM         struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	} `json:"llm"`
}

// AssistantOption configures an Assistant.
type AssistantOption func(*Assistant)

// AssistantLogger sets a structured logger.
func AssistantLogger(l *slog.Logger) AssistantOption {
	return func(a *Assistant) { a.logger = l }
}

// Assistant is the consumer-facing runtime handle: one constructed value owns
// the client, store, registry, and agent, and serves chat turns until Close.
// Safe for concurrent use; each turn runs as its own logical task.
type Assistant struct {
	agent    *Agent
	client   *Client
	store    Store
	registry *Registry
	health   *HealthMonitor
	monitor  *TaskMonitor
	model    string
	logger   *slog.Logger

	startedAt time.Time
	toolCalls atomic.Int64

	mu          sync.Mutex
	activeTurns int
	currentTask string
}

// NewAssistant assembles the runtime handle around a fully wired agent.
func NewAssistant(agent *Agent, client *Client, store Store, registry *Registry, health *HealthMonitor, monitor *TaskMonitor, model string, opts ...AssistantOption) *Assistant {
	a := &Assistant{
		agent:     agent,
		client:    client,
		store:     store,
		registry:  registry,
		health:    health,
		monitor:   monitor,
		model:     model,
		logger:    nopLogger,
		startedAt: time.Now(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Chat runs one synchronous turn. An empty conversationID starts a new
// conversation; the reply carries the id for continuation.
func (a *Assistant) Chat(ctx context.Context, message, conversationID string) (ChatReply, error) {
	if conversationID == "" {
		conversationID = NewID()
	}
	a.beginTurn(message)
	defer a.endTurn()

	res, err := a.agent.Run(ctx, conversationID, message)
	reply := ChatReply{
		Message:        res.Response,
		ConversationID: conversationID,
		Usage:          res.Task.Usage,
	}
	for _, it := range res.Task.Iterations {
		reply.ToolCalls = append(reply.ToolCalls, it.ToolCalls...)
	}
	a.toolCalls.Add(int64(len(reply.ToolCalls)))
	if err != nil {
		return reply, err
	}
	if res.PersistWarning != nil {
		a.logger.Warn("turn persisted with warning", "error", res.PersistWarning)
	}
	return reply, nil
}

// ChatStream runs one turn, emitting events on the returned channel. The
// channel closes after the terminal done or error event.
func (a *Assistant) ChatStream(ctx context.Context, message, conversationID string) (<-chan StreamEvent, string) {
	if conversationID == "" {
		conversationID = NewID()
	}
	out := make(chan StreamEvent, 64)
	sink := make(chan StreamEvent, 64)
	a.beginTurn(message)
	go func() {
		defer a.endTurn()
		defer close(out)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = a.agent.RunStream(ctx, conversationID, message, sink)
		}()
		for ev := range sink {
			if ev.Type == EventToolEnd {
				a.toolCalls.Add(1)
			}
			out <- ev
		}
		<-done
	}()
	return out, conversationID
}

// Health grades the assistant's subsystems.
func (a *Assistant) Health(ctx context.Context) HealthReport {
	var rep HealthReport
	rep.Agent = ComponentHealth{Status: "ok"}

	stats, err := a.store.Stats(ctx)
	if err != nil {
		rep.Memory.ComponentHealth = ComponentHealth{Status: "error", Detail: err.Error()}
	} else {
		rep.Memory.ComponentHealth = ComponentHealth{Status: "ok"}
		rep.Memory.Count = stats.Entries
		rep.Memory.SizeBytes = stats.SizeBytes
	}

	rep.Tools.ComponentHealth = ComponentHealth{Status: "ok"}
	rep.Tools.Count = len(a.registry.Definitions())
	rep.Tools.Responsive = rep.Tools.Count > 0

	rep.LLM.Provider = a.providerName()
	rep.LLM.Model = a.model
	switch a.health.Status(rep.LLM.Provider).Status {
	case StatusUnhealthy:
		rep.LLM.ComponentHealth = ComponentHealth{Status: "error", Detail: "provider cooling down"}
	case StatusDegraded:
		rep.LLM.ComponentHealth = ComponentHealth{Status: "degraded"}
	default:
		rep.LLM.ComponentHealth = ComponentHealth{Status: "ok"}
	}

	rep.Status = worstStatus(rep.Memory.Status, rep.Tools.Status, rep.LLM.Status)
	return rep
}

// Status reports current activity and lifetime totals.
func (a *Assistant) Status(ctx context.Context) StatusReport {
	var rep StatusReport
	a.mu.Lock()
	rep.Busy = a.activeTurns > 0
	rep.CurrentTask = a.currentTask
	a.mu.Unlock()

	rep.UptimeS = int64(time.Since(a.startedAt).Seconds())
	rep.Totals.ToolCalls = a.toolCalls.Load()
	if stats, err := a.store.Stats(ctx); err == nil {
		rep.Totals.Conversations = stats.Conversations
		rep.MemoryCount = stats.Entries
	}
	if usage, err := a.store.UsageTotals(ctx, 0); err == nil {
		rep.Totals.Tokens = usage.InputTokens + usage.OutputTokens
	}
	rep.ToolCount = len(a.registry.Definitions())
	rep.LLM.Provider = a.providerName()
	rep.LLM.Model = a.model
	return rep
}

// Close flushes background work and releases the store.
func (a *Assistant) Close() error {
	if a.monitor != nil {
		a.monitor.Wait()
	}
	return a.store.Close()
}

func (a *Assistant) beginTurn(message string) {
	a.mu.Lock()
	a.activeTurns++
	a.currentTask = truncateRunes(message, 80)
	a.mu.Unlock()
}

func (a *Assistant) endTurn() {
	a.mu.Lock()
	a.activeTurns--
	if a.activeTurns == 0 {
		a.currentTask = ""
	}
	a.mu.Unlock()
}

func (a *Assistant) providerName() string {
	if p := a.client.Primary(); p != nil {
		return p.Name()
	}
	return ""
}

func worstStatus(statuses ...string) string {
	worst := "ok"
	for _, s := range statuses {
		switch {
		case s == "error":
			return "error"
		case s == "degraded" && worst == "ok":
			worst = "degraded"
		}
	}
	return worst
}
