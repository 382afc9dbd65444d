// Package file provides read and write tools confined to an allow-list of
// directories.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/venalis/ember"
)

const maxReadBytes = 8000

// Sandbox confines file access to a set of allowed root directories. Paths
// are resolved through symlinks before the check, so a link pointing outside
// an allowed root is rejected.
type Sandbox struct {
	roots []string
}

// NewSandbox resolves and stores the allowed roots. Roots that do not exist
// yet are kept as cleaned absolute paths.
func NewSandbox(allowPaths []string) *Sandbox {
	s := &Sandbox{}
	for _, p := range allowPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		s.roots = append(s.roots, abs)
	}
	return s
}

// Resolve returns the symlink-resolved absolute path, or a security error
// when the target falls outside every allowed root. For paths whose final
// element does not exist yet, the parent directory is resolved instead.
func (s *Sandbox) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ember.Errorf(ember.ErrToolValidation, "path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", ember.Errorf(ember.ErrToolValidation, "invalid path %q: %v", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", ember.Errorf(ember.ErrToolExecution, "resolve %q: %v", path, err)
		}
		parent, base := filepath.Dir(abs), filepath.Base(abs)
		rp, perr := filepath.EvalSymlinks(parent)
		if perr != nil {
			rp = parent
		}
		resolved = filepath.Join(rp, base)
	}
	for _, root := range s.roots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", ember.Errorf(ember.ErrToolSecurity, "path %q outside allowed directories", path)
}

// ReadTool reads files within the sandbox.
type ReadTool struct {
	sandbox *Sandbox
}

var _ ember.Tool = (*ReadTool)(nil)

// NewReadTool creates a file_read tool over the sandbox.
func NewReadTool(sandbox *Sandbox) *ReadTool {
	return &ReadTool{sandbox: sandbox}
}

func (t *ReadTool) Definition() ember.ToolDefinition {
	return ember.ToolDefinition{
		Name:        "file_read",
		Description: "Read a file from an allowed directory. Returns the file content (truncated to 8000 chars if large).",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path to read"}},"required":["path"]}`),
		Required:    []string{"path"},
		Category:    "filesystem",
	}
}

func (t *ReadTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", ember.Errorf(ember.ErrToolValidation, "invalid args: %v", err)
	}
	resolved, err := t.sandbox.Resolve(params.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", ember.Errorf(ember.ErrToolExecution, "read %s: %v", params.Path, err)
	}
	content := string(data)
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n... (truncated)"
	}
	return content, nil
}

// WriteTool writes files within the sandbox. Writes to the same resolved
// path carry the same exclusive key, so the executor serializes them.
type WriteTool struct {
	sandbox *Sandbox
}

var (
	_ ember.Tool           = (*WriteTool)(nil)
	_ ember.ExclusiveKeyer = (*WriteTool)(nil)
)

// NewWriteTool creates a file_write tool over the sandbox.
func NewWriteTool(sandbox *Sandbox) *WriteTool {
	return &WriteTool{sandbox: sandbox}
}

func (t *WriteTool) Definition() ember.ToolDefinition {
	return ember.ToolDefinition{
		Name:        "file_write",
		Description: "Write content to a file in an allowed directory. Creates parent directories if needed.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path to write"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		Required:    []string{"path", "content"},
		Category:    "filesystem",
	}
}

func (t *WriteTool) ExclusiveKeys(args json.RawMessage) []string {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil || params.Path == "" {
		return nil
	}
	resolved, err := t.sandbox.Resolve(params.Path)
	if err != nil {
		// Resolution failures surface during Execute; key on the raw path so
		// duplicate bad calls still serialize.
		return []string{"file:" + params.Path}
	}
	return []string{"file:" + resolved}
}

func (t *WriteTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", ember.Errorf(ember.ErrToolValidation, "invalid args: %v", err)
	}
	resolved, err := t.sandbox.Resolve(params.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", ember.Errorf(ember.ErrToolExecution, "mkdir: %v", err)
	}
	if err := os.WriteFile(resolved, []byte(params.Content), 0o644); err != nil {
		return "", ember.Errorf(ember.ErrToolExecution, "write %s: %v", params.Path, err)
	}
	return fmt.Sprintf("Written %d bytes to %s", len(params.Content), filepath.Base(resolved)), nil
}
