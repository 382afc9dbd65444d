package ember

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// EnvironmentInfo describes the host the assistant operates in, rendered
// into every system prompt.
type EnvironmentInfo struct {
	OS         string
	WorkingDir string
	Locale     string
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// CurrentEnvironment captures the running process's environment.
func CurrentEnvironment() EnvironmentInfo {
	wd, _ := os.Getwd()
	return EnvironmentInfo{
		OS:         runtime.GOOS,
		WorkingDir: wd,
		Locale:     os.Getenv("LANG"),
	}
}

func (e EnvironmentInfo) render() string {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	var b strings.Builder
	fmt.Fprintf(&b, "OS: %s\n", e.OS)
	if e.WorkingDir != "" {
		fmt.Fprintf(&b, "Working directory: %s\n", e.WorkingDir)
	}
	fmt.Fprintf(&b, "Current time: %s\n", now().Format(time.RFC1123))
	if e.Locale != "" {
		fmt.Fprintf(&b, "Locale: %s\n", e.Locale)
	}
	return strings.TrimRight(b.String(), "\n")
}

// AssembleInput carries everything one prompt assembly needs.
type AssembleInput struct {
	Persona  Persona
	Env      EnvironmentInfo
	Memory   []ScoredEntry
	Entities string
	Tools    []ToolDefinition
	// Budget is the token budget for the assembled prompt. Zero disables
	// elision.
	Budget int
	// Caps describes the target model; when it does not tolerate system
	// prompts, the non-persona sections move to a hidden user block.
	Caps Capabilities
}

// AssembleOutput is the assembled prompt: a system message and an optional
// auxiliary user-role context block.
type AssembleOutput struct {
	System Message
	// Hidden is non-nil when the target model needs large context delivered
	// outside the system role.
	Hidden *Message
}

// Assembler builds the system prompt from persona, environment, memory,
// recent entities, and the tool catalog, eliding sections in a fixed
// priority order when over budget. Persona and tool names are never elided.
type Assembler struct{}

// NewAssembler creates an Assembler.
func NewAssembler() *Assembler { return &Assembler{} }

// section is one labelled prompt block.
type section struct {
	header string
	body   string
}

func (s section) render() string {
	if s.body == "" {
		return ""
	}
	return "## " + s.header + "\n\n" + s.body
}

// Assemble renders the prompt. Over budget, it drops (in order): the memory
// digest tail, tool descriptions (collapsed to name and first line), the
// recent-entity block, and environment details.
func (a *Assembler) Assemble(in AssembleInput) AssembleOutput {
	persona := in.Persona.Render()
	env := in.Env.render()
	memory := renderMemory(in.Memory)
	toolsFull := renderTools(in.Tools, false)

	build := func(env, entities, memory, tools string) string {
		sections := []section{
			{header: "Environment", body: env},
			{header: "Recent activity", body: entities},
			{header: "Relevant memory", body: memory},
			{header: "Available tools", body: tools},
		}
		parts := []string{persona}
		for _, s := range sections {
			if r := s.render(); r != "" {
				parts = append(parts, r)
			}
		}
		return strings.Join(parts, "\n\n")
	}

	text := build(env, in.Entities, memory, toolsFull)
	if in.Budget > 0 && EstimateTokens(text) > in.Budget {
		// Drop memory entries from the tail first.
		mem := in.Memory
		for len(mem) > 0 && EstimateTokens(text) > in.Budget {
			mem = mem[:len(mem)-1]
			text = build(env, in.Entities, renderMemory(mem), toolsFull)
		}
		if EstimateTokens(text) > in.Budget {
			text = build(env, in.Entities, renderMemory(mem), renderTools(in.Tools, true))
		}
		if EstimateTokens(text) > in.Budget {
			text = build(env, "", renderMemory(mem), renderTools(in.Tools, true))
		}
		if EstimateTokens(text) > in.Budget {
			text = build("", "", renderMemory(mem), renderTools(in.Tools, true))
		}
	}

	if !in.Caps.SupportsSystemRole {
		hidden := UserMessage("[Context]\n" + strings.TrimPrefix(text, persona))
		sys := SystemMessage(persona)
		return AssembleOutput{System: sys, Hidden: &hidden}
	}
	return AssembleOutput{System: SystemMessage(text)}
}

func renderMemory(entries []ScoredEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s\n", firstLineOrAll(e.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

// firstLineOrAll keeps multi-line memory entries readable in the digest
// without flattening short ones.
func firstLineOrAll(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 200 {
		return strings.ReplaceAll(s, "\n", " ")
	}
	return truncateRunes(strings.ReplaceAll(s, "\n", " "), 200) + "…"
}

// renderTools lists the catalog. Collapsed mode keeps the name and the first
// line of the description only.
func renderTools(tools []ToolDefinition, collapsed bool) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range tools {
		desc := t.Description
		if collapsed {
			desc = firstLine(desc)
		}
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, desc)
	}
	return strings.TrimRight(b.String(), "\n")
}
