package shell

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/venalis/ember"
)

func run(t *testing.T, tool *Tool, args string) (string, error) {
	t.Helper()
	return tool.Execute(context.Background(), json.RawMessage(args))
}

func TestToolExecute_CapturesOutput(t *testing.T) {
	tool := New(t.TempDir(), 30)

	out, err := run(t, tool, `{"command":"echo hello"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello\n" {
		t.Errorf("output = %q", out)
	}
}

func TestToolExecute_RunsInWorkspace(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir, 30)

	out, err := run(t, tool, `{"command":"pwd"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, dir) {
		t.Errorf("pwd = %q, want workspace %q", out, dir)
	}
}

func TestToolExecute_StderrAppended(t *testing.T) {
	tool := New(t.TempDir(), 30)

	out, err := run(t, tool, `{"command":"echo out; echo err 1>&2"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "out") || !strings.Contains(out, "--- stderr ---") || !strings.Contains(out, "err") {
		t.Errorf("output = %q", out)
	}
}

func TestToolExecute_EmptyOutputPlaceholder(t *testing.T) {
	tool := New(t.TempDir(), 30)

	out, err := run(t, tool, `{"command":"true"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "(no output)" {
		t.Errorf("output = %q", out)
	}
}

func TestToolExecute_NonzeroExit(t *testing.T) {
	tool := New(t.TempDir(), 30)

	_, err := run(t, tool, `{"command":"echo partial; exit 3"}`)
	if ember.KindOf(err) != ember.ErrToolExecution {
		t.Errorf("kind = %s, want %s", ember.KindOf(err), ember.ErrToolExecution)
	}
	if !strings.Contains(err.Error(), "partial") {
		t.Errorf("error = %v, want captured output included", err)
	}
}

func TestToolExecute_BlocklistRejectsBeforeRunning(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir, 30)

	for _, cmd := range []string{
		"sudo apt install x",
		"rm -rf / --no-preserve-root",
		"SHUTDOWN now",
	} {
		_, err := tool.Execute(context.Background(), rawCommand(t, cmd))
		if ember.KindOf(err) != ember.ErrToolSecurity {
			t.Errorf("%q: kind = %s, want %s", cmd, ember.KindOf(err), ember.ErrToolSecurity)
		}
	}
}

func TestToolExecute_CustomBlocklist(t *testing.T) {
	tool := New(t.TempDir(), 30, WithBlocklist([]string{"curl"}))

	if _, err := run(t, tool, `{"command":"curl example.com"}`); ember.KindOf(err) != ember.ErrToolSecurity {
		t.Errorf("custom blocklist not applied: %v", err)
	}
	if _, err := run(t, tool, `{"command":"echo sudo is fine now"}`); err != nil {
		t.Errorf("default blocklist should be replaced: %v", err)
	}
}

func TestToolExecute_EmptyCommand(t *testing.T) {
	tool := New(t.TempDir(), 30)

	if _, err := run(t, tool, `{"command":"  "}`); ember.KindOf(err) != ember.ErrToolValidation {
		t.Errorf("kind = %s, want %s", ember.KindOf(err), ember.ErrToolValidation)
	}
}

func TestToolExecute_TimeoutKeepsPartialOutput(t *testing.T) {
	tool := New(t.TempDir(), 1)

	out, err := run(t, tool, `{"command":"echo before; sleep 5; echo after"}`)
	if ember.KindOf(err) != ember.ErrToolTimeout {
		t.Fatalf("kind = %s, want %s", ember.KindOf(err), ember.ErrToolTimeout)
	}
	if !strings.Contains(out, "before") {
		t.Errorf("output = %q, want pre-timeout output preserved", out)
	}
	if strings.Contains(out, "after") {
		t.Error("output should stop at the timeout")
	}
}

func TestToolExclusiveKeys(t *testing.T) {
	tool := New(t.TempDir(), 30)
	keys := tool.ExclusiveKeys(json.RawMessage(`{"command":"ls"}`))
	if len(keys) != 1 || keys[0] != "shell" {
		t.Errorf("keys = %v, want the shared shell key", keys)
	}
}

func TestToolDefinition(t *testing.T) {
	def := New(t.TempDir(), 30).Definition()
	if def.Name != "shell_exec" {
		t.Errorf("name = %q", def.Name)
	}
	if len(def.Required) != 1 || def.Required[0] != "command" {
		t.Errorf("required = %v", def.Required)
	}
	if !json.Valid(def.Parameters) {
		t.Error("parameters not valid JSON")
	}
}

func rawCommand(t *testing.T, cmd string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]string{"command": cmd})
	if err != nil {
		t.Fatal(err)
	}
	return b
}
