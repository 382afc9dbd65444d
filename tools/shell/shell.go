// Package shell provides a command execution tool confined to a workspace
// directory.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/venalis/ember"
)

const maxOutput = 4000

// DefaultBlocklist contains command fragments rejected before execution.
var DefaultBlocklist = []string{
	"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if=", ":(){", "shutdown", "reboot",
}

// Tool executes shell commands in a sandboxed workspace. All invocations
// share one exclusive key, so the executor never runs two commands
// concurrently.
type Tool struct {
	workspacePath  string
	defaultTimeout int // seconds
	blocklist      []string
}

var (
	_ ember.Tool           = (*Tool)(nil)
	_ ember.ExclusiveKeyer = (*Tool)(nil)
)

// Option configures the shell tool.
type Option func(*Tool)

// WithBlocklist replaces the default blocked command fragments.
func WithBlocklist(fragments []string) Option {
	return func(t *Tool) { t.blocklist = fragments }
}

// New creates a shell tool. Commands run in workspacePath with the given
// default timeout in seconds.
func New(workspacePath string, defaultTimeout int, opts ...Option) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	t := &Tool{
		workspacePath:  workspacePath,
		defaultTimeout: defaultTimeout,
		blocklist:      DefaultBlocklist,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definition() ember.ToolDefinition {
	return ember.ToolDefinition{
		Name:        "shell_exec",
		Description: "Execute a shell command in the workspace directory. Returns stdout + stderr. Use for running scripts, checking files, or system tasks.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`),
		Required:    []string{"command"},
		Category:    "system",
	}
}

// ExclusiveKeys serializes all shell invocations.
func (t *Tool) ExclusiveKeys(json.RawMessage) []string {
	return []string{"shell"}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", ember.Errorf(ember.ErrToolValidation, "invalid args: %v", err)
	}
	if strings.TrimSpace(params.Command) == "" {
		return "", ember.Errorf(ember.ErrToolValidation, "command is required")
	}

	lower := strings.ToLower(params.Command)
	for _, b := range t.blocklist {
		if strings.Contains(lower, strings.ToLower(b)) {
			return "", ember.Errorf(ember.ErrToolSecurity, "command blocked: %s", b)
		}
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > 300 {
		timeout = 300
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
	cmd.Dir = t.workspacePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > maxOutput {
		output = output[:maxOutput] + "\n... (truncated)"
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return output, ember.Errorf(ember.ErrToolTimeout, "command timed out after %ds", timeout)
		}
		if output != "" {
			return "", ember.Errorf(ember.ErrToolExecution, "exit: %v\n%s", err, output)
		}
		return "", ember.Errorf(ember.ErrToolExecution, "exit: %v", err)
	}

	if output == "" {
		output = "(no output)"
	}
	return output, nil
}
