package ember

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is an executable capability the model can invoke. Execute receives the
// validated raw arguments and returns the textual output, or an error that
// the executor converts into a failed ToolResult.
type Tool interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ExclusiveKeyer is an optional Tool capability. Calls whose exclusive keys
// overlap never run in the same parallel layer; the executor serializes them.
// An empty slice means the call has no exclusivity constraints.
type ExclusiveKeyer interface {
	ExclusiveKeys(args json.RawMessage) []string
}

// Registry holds the available tools and their compiled argument schemas.
// Registration happens at startup; lookups during the loop are read-only and
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its parameter schema. Registering a second
// tool under an existing name or an invalid schema is a startup bug and
// returns an error.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return Errorf(ErrConfig, "tool with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return Errorf(ErrConfig, "tool %q already registered", def.Name)
	}
	if len(def.Parameters) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(def.Name+".json", bytes.NewReader(def.Parameters)); err != nil {
			return fmt.Errorf("tool %q schema: %w", def.Name, err)
		}
		schema, err := compiler.Compile(def.Name + ".json")
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", def.Name, err)
		}
		r.schemas[def.Name] = schema
	}
	r.tools[def.Name] = t
	return nil
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions lists all registered tool definitions sorted by name, the form
// advertised to LLM adapters and the prompt assembler.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks a call's arguments against the tool's schema and required
// list. A missing tool yields ErrToolNotFound; bad arguments yield
// ErrToolValidation. Tools without a schema accept any valid JSON object.
func (r *Registry) Validate(call ToolCall) error {
	r.mu.RLock()
	schema, hasSchema := r.schemas[call.Name]
	tool, exists := r.tools[call.Name]
	r.mu.RUnlock()

	if !exists {
		return Errorf(ErrToolNotFound, "unknown tool %q", call.Name)
	}

	var args map[string]any
	raw := call.Args
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Errorf(ErrToolValidation, "tool %q: arguments are not a JSON object: %v", call.Name, err)
	}
	for _, req := range tool.Definition().Required {
		if _, ok := args[req]; !ok {
			return Errorf(ErrToolValidation, "tool %q: missing required argument %q", call.Name, req)
		}
	}
	if hasSchema {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return Errorf(ErrToolValidation, "tool %q: %v", call.Name, err)
		}
		if err := schema.Validate(v); err != nil {
			return Errorf(ErrToolValidation, "tool %q: %v", call.Name, err)
		}
	}
	return nil
}
