package ember

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// IterationRecord captures one loop iteration of a task.
type IterationRecord struct {
	Index            int      `json:"index"`
	Model            string   `json:"model"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	ToolCalls        []string `json:"tool_calls,omitempty"`
	StartedAt        int64    `json:"started_at"`
	EndedAt          int64    `json:"ended_at"`
}

// TaskRecord captures one user turn end to end.
type TaskRecord struct {
	TaskID        string            `json:"task_id"`
	Description   string            `json:"description"`
	StartedAt     int64             `json:"started_at"`
	EndedAt       int64             `json:"ended_at"`
	Iterations    []IterationRecord `json:"iterations"`
	InitialModel  string            `json:"initial_model"`
	FinalModel    string            `json:"final_model"`
	ModelSwitched bool              `json:"model_switched"`
	Success       bool              `json:"success"`
	Error         string            `json:"error,omitempty"`
	Usage         Usage             `json:"usage"`
}

// Duration is the task's wall-clock time.
func (t TaskRecord) Duration() time.Duration {
	return time.Duration(t.EndedAt-t.StartedAt) * time.Second
}

// AddIteration appends an iteration and tracks model switches.
func (t *TaskRecord) AddIteration(it IterationRecord) {
	if t.InitialModel == "" {
		t.InitialModel = it.Model
	}
	if t.FinalModel != "" && it.Model != t.FinalModel {
		t.ModelSwitched = true
	}
	t.FinalModel = it.Model
	t.Iterations = append(t.Iterations, it)
}

const retrospectPrompt = "Analyze this completed task execution. Cover briefly: " +
	"(a) complexity assessment, (b) efficiency of the iteration count and tool usage, " +
	"(c) error analysis if any errors occurred, (d) concrete improvement suggestions. " +
	"At most 200 words."

// retrospectRecord is one appended JSONL line.
type retrospectRecord struct {
	TaskID     string `json:"task_id"`
	CreatedAt  int64  `json:"created_at"`
	DurationS  int64  `json:"duration_s"`
	Iterations int    `json:"iterations"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Analysis   string `json:"analysis"`
}

// MonitorOption configures a TaskMonitor.
type MonitorOption func(*TaskMonitor)

// MonitorLogger sets a structured logger.
func MonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *TaskMonitor) { m.logger = l }
}

// MonitorRetrospectThreshold sets the elapsed time beyond which a successful
// task still earns a retrospect (default 60s).
func MonitorRetrospectThreshold(d time.Duration) MonitorOption {
	return func(m *TaskMonitor) { m.threshold = d }
}

// MonitorRetrospectEnabled toggles retrospect generation (default on when a
// brain is provided).
func MonitorRetrospectEnabled(on bool) MonitorOption {
	return func(m *TaskMonitor) { m.enabled = on }
}

// monitorClock overrides the clock in tests.
func monitorClock(now func() time.Time) MonitorOption {
	return func(m *TaskMonitor) { m.now = now }
}

// TaskMonitor records per-task metrics and generates post-task retrospects.
// Retrospects run in background goroutines so they never delay the user
// response; records append to per-day JSONL files under dir.
type TaskMonitor struct {
	store     Store
	brain     ChatCaller
	dir       string
	threshold time.Duration
	enabled   bool
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewTaskMonitor creates a TaskMonitor persisting usage to store and
// retrospects under dir. A nil brain disables retrospect generation.
func NewTaskMonitor(store Store, brain ChatCaller, dir string, opts ...MonitorOption) *TaskMonitor {
	m := &TaskMonitor{
		store:     store,
		brain:     brain,
		dir:       dir,
		threshold: 60 * time.Second,
		enabled:   brain != nil,
		logger:    nopLogger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Complete records a finished task: usage rows to the store and, when the
// task failed or ran long, a background retrospect.
func (m *TaskMonitor) Complete(ctx context.Context, rec TaskRecord, provider string) {
	if m.store != nil {
		if err := m.store.RecordUsage(ctx, rec.TaskID, provider, rec.FinalModel, rec.Usage); err != nil {
			m.logger.Warn("usage record failed", "task", rec.TaskID, "error", err)
		}
	}
	m.logger.Info("task completed",
		"task", rec.TaskID,
		"iterations", len(rec.Iterations),
		"duration", rec.Duration(),
		"success", rec.Success,
		"model_switched", rec.ModelSwitched)

	if !m.enabled || m.brain == nil {
		return
	}
	if rec.Success && rec.Duration() < m.threshold {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// Detach from the turn's context: the retrospect outlives the turn.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		m.retrospect(ctx, rec)
	}()
}

// Wait blocks until in-flight retrospects finish. For shutdown and tests.
func (m *TaskMonitor) Wait() { m.wg.Wait() }

func (m *TaskMonitor) retrospect(ctx context.Context, rec TaskRecord) {
	resp, err := m.brain.Chat(ctx, ChatRequest{
		Messages: []Message{
			SystemMessage(retrospectPrompt),
			UserMessage(renderTaskContext(rec)),
		},
		Params: ChatParams{MaxTokens: 400},
	})
	if err != nil {
		m.logger.Warn("retrospect generation failed", "task", rec.TaskID, "error", err)
		return
	}
	r := retrospectRecord{
		TaskID:     rec.TaskID,
		CreatedAt:  m.now().Unix(),
		DurationS:  rec.EndedAt - rec.StartedAt,
		Iterations: len(rec.Iterations),
		Success:    rec.Success,
		Error:      rec.Error,
		Analysis:   resp.Message.Content,
	}
	if err := m.append(r); err != nil {
		m.logger.Warn("retrospect append failed", "task", rec.TaskID, "error", err)
	}
}

// append writes one JSONL line to the current day's file.
func (m *TaskMonitor) append(r retrospectRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(m.dir, "retrospect-"+m.now().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = f.Write(line)
	return err
}

// renderTaskContext flattens a TaskRecord into the retrospect prompt input.
func renderTaskContext(rec TaskRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", rec.Description)
	fmt.Fprintf(&b, "Duration: %s over %d iterations\n", rec.Duration(), len(rec.Iterations))
	fmt.Fprintf(&b, "Model: %s", rec.InitialModel)
	if rec.ModelSwitched {
		fmt.Fprintf(&b, " (switched to %s)", rec.FinalModel)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Tokens: %d in / %d out\n", rec.Usage.InputTokens, rec.Usage.OutputTokens)
	for _, it := range rec.Iterations {
		fmt.Fprintf(&b, "- iteration %d: %d tool calls", it.Index, len(it.ToolCalls))
		if len(it.ToolCalls) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(it.ToolCalls, ", "))
		}
		fmt.Fprintf(&b, ", %ds\n", it.EndedAt-it.StartedAt)
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", rec.Error)
	}
	fmt.Fprintf(&b, "Outcome: success=%v\n", rec.Success)
	return b.String()
}
