package ember

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultToolTimeout = 30 * time.Second
	defaultMaxParallel = 3

	refPrefix = "${ref:"
	refSuffix = "}"
)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// ExecutorMaxParallel bounds in-flight tool calls per layer (default 3).
func ExecutorMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// ExecutorTimeout sets the default per-call timeout for tools that do not
// declare their own (default 30s).
func ExecutorTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// ExecutorLogger sets a structured logger.
func ExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// ExecutorTracer sets a tracer for per-call spans.
func ExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// Executor runs batches of tool calls with bounded parallelism and
// dependency layering. Calls chained via ${ref:<id>} placeholders, and calls
// whose exclusive keys collide, run in sequence; everything else in a batch
// runs concurrently up to the parallelism bound.
type Executor struct {
	registry    *Registry
	maxParallel int
	timeout     time.Duration
	logger      *slog.Logger
	tracer      Tracer
}

// NewExecutor creates an Executor over the registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		maxParallel: defaultMaxParallel,
		timeout:     defaultToolTimeout,
		logger:      nopLogger,
		tracer:      NopTracer{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// EmitFunc receives tool start/end events for stream forwarding. May be nil.
type EmitFunc func(StreamEvent)

// ExecuteCalls runs calls and returns one result per call in declaration
// order. Validation failures become error results without executing.
// Cancellation abandons unstarted calls with error "cancelled" but preserves
// every completed result.
func (e *Executor) ExecuteCalls(ctx context.Context, calls []ToolCall, emit EmitFunc) []ToolResult {
	ctx, span := e.tracer.Start(ctx, "tools.execute_calls", IntAttr("calls", len(calls)))
	defer span.End()
	if emit == nil {
		emit = func(StreamEvent) {}
	}

	results := make([]ToolResult, len(calls))
	outputs := make(map[string]string, len(calls)) // completed call id -> output text
	runnable := make([]int, 0, len(calls))

	for i, call := range calls {
		if err := e.registry.Validate(call); err != nil {
			e.logger.Warn("tool call rejected", "tool", call.Name, "id", call.ID, "error", err)
			results[i] = ToolResult{ToolCallID: call.ID, Error: err.Error()}
			continue
		}
		runnable = append(runnable, i)
	}

	layers := e.layer(calls, runnable)
	for _, layer := range layers {
		if ctx.Err() != nil {
			for _, i := range layer {
				results[i] = ToolResult{ToolCallID: calls[i].ID, Error: "cancelled"}
			}
			continue
		}
		e.runLayer(ctx, calls, layer, outputs, results, emit)
		for _, i := range layer {
			if results[i].Success() {
				outputs[calls[i].ID] = results[i].Content
			}
		}
	}
	return results
}

// layer partitions the runnable call indices into execution waves. A call
// goes after every call it references via ${ref:<id>} and after any earlier
// call sharing an exclusive key.
func (e *Executor) layer(calls []ToolCall, runnable []int) [][]int {
	depth := make(map[int]int, len(runnable))
	inBatch := make(map[string]int, len(runnable)) // call id -> index
	for _, i := range runnable {
		if calls[i].ID != "" {
			inBatch[calls[i].ID] = i
		}
	}

	for _, i := range runnable {
		d := 0
		for _, ref := range extractRefs(calls[i].Args) {
			if j, ok := inBatch[ref]; ok && j != i {
				if depth[j]+1 > d {
					d = depth[j] + 1
				}
			}
		}
		// Serialize against earlier calls holding the same exclusive key.
		for _, key := range e.exclusiveKeys(calls[i]) {
			for _, j := range runnable {
				if j >= i {
					break
				}
				for _, other := range e.exclusiveKeys(calls[j]) {
					if other == key && depth[j]+1 > d {
						d = depth[j] + 1
					}
				}
			}
		}
		depth[i] = d
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	layers := make([][]int, maxDepth+1)
	for _, i := range runnable {
		layers[depth[i]] = append(layers[depth[i]], i)
	}
	return layers
}

func (e *Executor) exclusiveKeys(call ToolCall) []string {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return nil
	}
	ek, ok := tool.(ExclusiveKeyer)
	if !ok {
		return nil
	}
	return ek.ExclusiveKeys(call.Args)
}

// runLayer executes one layer's calls through a bounded worker pool and
// writes results back by index.
func (e *Executor) runLayer(ctx context.Context, calls []ToolCall, layer []int, outputs map[string]string, results []ToolResult, emit EmitFunc) {
	type job struct{ idx int }
	jobs := make(chan job)
	var wg sync.WaitGroup

	workers := e.maxParallel
	if workers > len(layer) {
		workers = len(layer)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				call := calls[j.idx]
				args := substituteRefs(call.Args, outputs)
				emit(StreamEvent{Type: EventToolStart, Name: call.Name, ID: call.ID, Args: args})
				res := e.runOne(ctx, call, args)
				results[j.idx] = res
				emit(StreamEvent{Type: EventToolEnd, Name: call.Name, ID: call.ID, Content: res.Error})
			}
		}()
	}
	for _, i := range layer {
		jobs <- job{idx: i}
	}
	close(jobs)
	wg.Wait()
}

// runOne executes a single call under its tool's timeout.
func (e *Executor) runOne(ctx context.Context, call ToolCall, args json.RawMessage) ToolResult {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return ToolResult{ToolCallID: call.ID, Error: fmt.Sprintf("unknown tool %q", call.Name)}
	}
	timeout := e.timeout
	if t := tool.Definition().TimeoutSeconds; t > 0 {
		timeout = time.Duration(t) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx, span := e.tracer.Start(callCtx, "tools.execute",
		StringAttr("tool", call.Name), StringAttr("call_id", call.ID))
	defer span.End()

	start := time.Now()
	out, err := tool.Execute(callCtx, args)
	dur := time.Since(start)
	res := ToolResult{ToolCallID: call.ID, Content: out, DurationMS: dur.Milliseconds()}
	if err != nil {
		span.Error(err)
		switch {
		case callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
			res.Error = "timeout"
			res.Truncated = true
		case ctx.Err() != nil:
			res.Error = "cancelled"
		case KindOf(err) == ErrToolSecurity:
			res.Error = "security"
			res.Content = err.Error()
		default:
			res.Error = err.Error()
		}
		e.logger.Warn("tool call failed", "tool", call.Name, "id", call.ID,
			"error", res.Error, "duration", dur)
	} else {
		e.logger.Debug("tool call completed", "tool", call.Name, "id", call.ID, "duration", dur)
	}
	return res
}

// extractRefs lists the call ids referenced by ${ref:<id>} placeholders in
// the argument object's string values.
func extractRefs(args json.RawMessage) []string {
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return nil
	}
	var refs []string
	walkStrings(m, func(s string) string {
		if id, ok := parseRef(s); ok {
			refs = append(refs, id)
		}
		return s
	})
	return refs
}

// substituteRefs replaces string argument values of the exact form
// ${ref:<id>} with the referenced call's output. Unresolved refs pass
// through untouched so the tool sees (and can report) the raw placeholder.
func substituteRefs(args json.RawMessage, outputs map[string]string) json.RawMessage {
	if len(outputs) == 0 {
		return args
	}
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return args
	}
	changed := false
	walkStrings(m, func(s string) string {
		if id, ok := parseRef(s); ok {
			if out, found := outputs[id]; found {
				changed = true
				return out
			}
		}
		return s
	})
	if !changed {
		return args
	}
	data, err := json.Marshal(m)
	if err != nil {
		return args
	}
	return data
}

func parseRef(s string) (string, bool) {
	if strings.HasPrefix(s, refPrefix) && strings.HasSuffix(s, refSuffix) && len(s) > len(refPrefix)+len(refSuffix) {
		return s[len(refPrefix) : len(s)-len(refSuffix)], true
	}
	return "", false
}

// walkStrings visits every string value in a decoded JSON object, replacing
// it with fn's return value. Descends into nested objects and arrays.
func walkStrings(v any, fn func(string) string) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok {
				t[k] = fn(s)
			} else {
				walkStrings(val, fn)
			}
		}
	case []any:
		for i, val := range t {
			if s, ok := val.(string); ok {
				t[i] = fn(s)
			} else {
				walkStrings(val, fn)
			}
		}
	}
}
