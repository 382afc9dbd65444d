package ember

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadPersona_SeparateFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "SOUL.md", "I am thoughtful.\n")
	writeFile(t, dir, "AGENT.md", "Always confirm before deleting.\n")

	p, err := LoadPersona(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Soul != "I am thoughtful." {
		t.Errorf("soul = %q", p.Soul)
	}
	if p.Agent != "Always confirm before deleting." {
		t.Errorf("agent = %q", p.Agent)
	}
	if p.User != "" {
		t.Errorf("user = %q, want empty for missing file", p.User)
	}
}

func TestLoadPersona_SinglePersonaFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "PERSONA.md", `# SOUL

Curious and direct.

# AGENT

Use tools when unsure.

# USER

Works on infrastructure.
`)

	p, err := LoadPersona(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Soul != "Curious and direct." {
		t.Errorf("soul = %q", p.Soul)
	}
	if p.Agent != "Use tools when unsure." {
		t.Errorf("agent = %q", p.Agent)
	}
	if p.User != "Works on infrastructure." {
		t.Errorf("user = %q", p.User)
	}
}

func TestLoadPersona_PersonaFileWinsOverSeparate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "PERSONA.md", "# SOUL\n\nFrom the bundle.\n")
	writeFile(t, dir, "SOUL.md", "From the separate file.\n")

	p, err := LoadPersona(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Soul != "From the bundle." {
		t.Errorf("soul = %q, want the bundle to win", p.Soul)
	}
}

func TestLoadPersona_MissingDirIsEmpty(t *testing.T) {
	p, err := LoadPersona(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Render() != "" {
		t.Errorf("render = %q, want empty", p.Render())
	}
}

func TestParsePersona_PreambleLandsInSoul(t *testing.T) {
	p := ParsePersona([]byte("Leading identity text.\n\n# AGENT\n\nRules here.\n"))
	if p.Soul != "Leading identity text." {
		t.Errorf("soul = %q", p.Soul)
	}
	if p.Agent != "Rules here." {
		t.Errorf("agent = %q", p.Agent)
	}
}

func TestParsePersona_UnknownHeadingsIgnored(t *testing.T) {
	p := ParsePersona([]byte("# SOUL\n\nCore.\n\n# NOTES\n\nIgnored by section split.\n"))
	if p.Soul == "" {
		t.Error("soul missing")
	}
	// The unknown heading's body stays inside the preceding section.
	if p.Agent != "" || p.User != "" {
		t.Errorf("unexpected sections: agent=%q user=%q", p.Agent, p.User)
	}
}

func TestPersonaRender_OrderAndSpacing(t *testing.T) {
	p := Persona{Soul: "soul", User: "user"}
	if got := p.Render(); got != "soul\n\nuser" {
		t.Errorf("render = %q, want sections joined in order", got)
	}
	if (Persona{}).Render() != "" {
		t.Error("empty persona should render empty")
	}
}
