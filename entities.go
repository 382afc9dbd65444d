package ember

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Entity kinds and actions tracked by the recent-entity ring.
const (
	EntityFile   = "file"
	EntityFolder = "folder"
	EntityURL    = "url"
	EntityOther  = "other"
)

const (
	ActionCreate = "create"
	ActionDelete = "delete"
	ActionCopy   = "copy"
	ActionMove   = "move"
	ActionOpen   = "open"
	ActionModify = "modify"
)

// RecentEntity records a file, folder, or URL the user recently acted on.
// The tracker injects these into prompts so the model can resolve anaphoric
// references ("delete it", "that file"). Process-memory only.
type RecentEntity struct {
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Action    string    `json:"action"`
	Location  string    `json:"location,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EntityTracker is a bounded ring of recent entities shared across turns.
// Eviction is by TTL and by capacity (newest wins). Safe for concurrent use.
type EntityTracker struct {
	mu      sync.Mutex
	entries []RecentEntity
	max     int
	ttl     time.Duration
	now     func() time.Time
}

// NewEntityTracker creates a tracker with the given capacity and TTL.
// Non-positive arguments fall back to 20 entries and 300 seconds.
func NewEntityTracker(max int, ttl time.Duration) *EntityTracker {
	if max <= 0 {
		max = 20
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &EntityTracker{max: max, ttl: ttl, now: time.Now}
}

// Track records an entity action. A newer action on the same entity
// supersedes the older record (create then delete leaves delete).
func (t *EntityTracker) Track(e RecentEntity) {
	if e.Name == "" {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	for _, old := range t.entries {
		if old.Kind == e.Kind && old.Name == e.Name && old.Location == e.Location {
			continue
		}
		kept = append(kept, old)
	}
	t.entries = append(kept, e)
	if len(t.entries) > t.max {
		t.entries = t.entries[len(t.entries)-t.max:]
	}
}

// Snapshot returns the live entries, oldest first, dropping expired ones.
func (t *EntityTracker) Snapshot() []RecentEntity {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.ttl)
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	t.entries = kept
	out := make([]RecentEntity, len(kept))
	copy(out, kept)
	return out
}

// Render emits a bullet list of live entries for prompt injection, or ""
// when nothing is live.
func (t *EntityTracker) Render() string {
	live := t.Snapshot()
	if len(live) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range live {
		fmt.Fprintf(&b, "- %s %s: %s", e.Action, e.Kind, e.Name)
		if e.Location != "" {
			fmt.Fprintf(&b, " (%s)", e.Location)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// ObserveToolCall derives entity records from a successful tool execution by
// scanning its arguments for recognizable paths and URLs. Unrecognizable
// calls are ignored.
func (t *EntityTracker) ObserveToolCall(tc ToolCall, result ToolResult) {
	if !result.Success() {
		return
	}
	var args map[string]any
	if err := json.Unmarshal(tc.Args, &args); err != nil {
		return
	}
	for key, v := range args {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		switch {
		case isHTTPURL(s):
			t.Track(RecentEntity{Kind: EntityURL, Name: s, Action: ActionOpen})
		case looksLikePath(key, s):
			t.Track(pathEntity(tc.Name, key, s))
		}
	}
	// Shell commands carry their targets inside the command string.
	if tc.Name == "shell_exec" {
		if cmd, ok := args["command"].(string); ok {
			t.observeShell(cmd)
		}
	}
}

func (t *EntityTracker) observeShell(cmd string) {
	fields := strings.Fields(cmd)
	if len(fields) < 2 {
		return
	}
	target := fields[len(fields)-1]
	switch fields[0] {
	case "mkdir":
		t.Track(RecentEntity{Kind: EntityFolder, Name: target, Action: ActionCreate})
	case "rmdir":
		t.Track(RecentEntity{Kind: EntityFolder, Name: target, Action: ActionDelete})
	case "rm":
		t.Track(RecentEntity{Kind: EntityFile, Name: target, Action: ActionDelete})
	case "touch":
		t.Track(RecentEntity{Kind: EntityFile, Name: target, Action: ActionCreate})
	case "cp":
		t.Track(RecentEntity{Kind: EntityFile, Name: target, Action: ActionCopy})
	case "mv":
		t.Track(RecentEntity{Kind: EntityFile, Name: target, Action: ActionMove})
	}
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

// looksLikePath guesses whether an argument value is a filesystem path from
// its key name or separators.
func looksLikePath(key, v string) bool {
	k := strings.ToLower(key)
	if k == "path" || k == "file" || k == "dir" || k == "directory" ||
		strings.HasSuffix(k, "_path") || strings.HasSuffix(k, "_file") {
		return true
	}
	return strings.ContainsRune(v, '/') && !strings.ContainsAny(v, " \n")
}

func pathEntity(toolName, key, path string) RecentEntity {
	kind := EntityFile
	if strings.Contains(strings.ToLower(key), "dir") || strings.HasSuffix(path, "/") {
		kind = EntityFolder
	}
	action := ActionOpen
	switch toolName {
	case "file_write":
		action = ActionModify
	case "file_read":
		action = ActionOpen
	}
	if strings.Contains(strings.ToLower(key), "dest") {
		action = ActionCreate
	}
	return RecentEntity{Kind: kind, Name: path, Action: action}
}
