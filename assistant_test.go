package ember

import (
	"context"
	"testing"
	"time"
)

func newAssistantFixture(t *testing.T, steps []scriptStep, tools ...Tool) (*Assistant, *memStore, *scriptedAdapter, *HealthMonitor) {
	t.Helper()
	adapter := newScriptedAdapter("primary", steps...)
	client, health := newTestClient(adapter)
	store := newMemStore()
	registry := NewRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	agent := NewAgent(
		client, store, NewRetriever(store), NewCompactor(client),
		NewExecutor(registry), registry, NewEntityTracker(20, 300*time.Second),
		Persona{Soul: "assistant"}, EnvironmentInfo{OS: "linux"},
		AgentConfig{Model: "test-model"},
	)
	monitor := NewTaskMonitor(store, nil, t.TempDir())
	assistant := NewAssistant(agent, client, store, registry, health, monitor, "test-model")
	return assistant, store, adapter, health
}

func TestAssistantChat_AssignsConversationID(t *testing.T) {
	a, _, _, _ := newAssistantFixture(t, []scriptStep{textResponse("hi")})

	reply, err := a.Chat(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.ConversationID == "" {
		t.Error("reply missing generated conversation id")
	}
	if reply.Message != "hi" {
		t.Errorf("message = %q, want %q", reply.Message, "hi")
	}
}

func TestAssistantChat_ContinuesConversation(t *testing.T) {
	a, store, _, _ := newAssistantFixture(t, []scriptStep{textResponse("one"), textResponse("two")})

	first, err := a.Chat(context.Background(), "start", "")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := a.Chat(context.Background(), "continue", first.ConversationID); err != nil {
		t.Fatalf("second: %v", err)
	}
	conv := store.conversation(first.ConversationID)
	if len(conv.Messages) != 4 {
		t.Errorf("persisted %d messages, want 4", len(conv.Messages))
	}
}

func TestAssistantChat_ReportsToolCallNames(t *testing.T) {
	a, _, _, _ := newAssistantFixture(t,
		[]scriptStep{
			toolCallResponse(echoCall("c1", "x")),
			textResponse("done"),
		},
		echoTool{},
	)

	reply, err := a.Chat(context.Background(), "use the tool", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reply.ToolCalls) != 1 || reply.ToolCalls[0] != "echo" {
		t.Errorf("tool calls = %v, want [echo]", reply.ToolCalls)
	}
}

func TestAssistantChatStream_TerminatesWithDone(t *testing.T) {
	a, _, _, _ := newAssistantFixture(t, []scriptStep{
		{
			resp:   ChatResponse{Message: AssistantMessage("streamed")},
			chunks: []Chunk{{Type: ChunkTextDelta, Text: "streamed"}},
		},
	})

	events, id := a.ChatStream(context.Background(), "hello", "")
	if id == "" {
		t.Error("missing conversation id")
	}
	all := collectEvents(events)
	if len(all) == 0 {
		t.Fatal("no events received")
	}
	if last := all[len(all)-1]; last.Type != EventDone {
		t.Errorf("last event = %s, want %s", last.Type, EventDone)
	}
}

func TestAssistantHealth(t *testing.T) {
	a, store, _, health := newAssistantFixture(t, []scriptStep{textResponse("hi")}, echoTool{})

	rep := a.Health(context.Background())
	if rep.Status != "ok" {
		t.Errorf("status = %q, want ok", rep.Status)
	}
	if rep.Tools.Count != 1 || !rep.Tools.Responsive {
		t.Errorf("tools = %+v, want one responsive tool", rep.Tools)
	}
	if rep.LLM.Provider != "primary" || rep.LLM.Model != "test-model" {
		t.Errorf("llm = %+v", rep.LLM)
	}

	for i := 0; i < 3; i++ {
		health.RecordFailure("primary", connErr("primary"))
	}
	rep = a.Health(context.Background())
	if rep.LLM.Status != "error" {
		t.Errorf("llm status = %q, want error during cooldown", rep.LLM.Status)
	}
	if rep.Status != "error" {
		t.Errorf("overall status = %q, want error", rep.Status)
	}

	store.statsErr = Errorf(ErrMemoryStorage, "db locked")
	rep = a.Health(context.Background())
	if rep.Memory.Status != "error" {
		t.Errorf("memory status = %q, want error", rep.Memory.Status)
	}
}

func TestAssistantHealth_EmptyRegistryNotResponsive(t *testing.T) {
	a, _, _, _ := newAssistantFixture(t, []scriptStep{textResponse("hi")})
	rep := a.Health(context.Background())
	if rep.Tools.Responsive {
		t.Error("empty registry reported responsive")
	}
}

func TestAssistantStatus(t *testing.T) {
	a, _, _, _ := newAssistantFixture(t, []scriptStep{textResponse("hi")})

	if _, err := a.Chat(context.Background(), "hello", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rep := a.Status(context.Background())
	if rep.Busy {
		t.Error("idle assistant reported busy")
	}
	if rep.MemoryCount != 1 {
		t.Errorf("memory count = %d, want 1", rep.MemoryCount)
	}
	if rep.Totals.Conversations != 1 {
		t.Errorf("conversations = %d, want 1", rep.Totals.Conversations)
	}
	if rep.LLM.Provider != "primary" {
		t.Errorf("provider = %q", rep.LLM.Provider)
	}
}

func TestAssistantClose(t *testing.T) {
	a, _, _, _ := newAssistantFixture(t, []scriptStep{textResponse("hi")})
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
