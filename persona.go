package ember

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Persona is the assistant's identity bundle: three markdown sections that
// head every system prompt. Sections are never elided by the assembler.
type Persona struct {
	// Soul defines the assistant's character and values.
	Soul string
	// Agent defines operating rules and behavioral constraints.
	Agent string
	// User holds what the assistant knows about its user.
	User string
}

// personaFiles maps section names to the markdown files holding them.
var personaFiles = map[string]string{
	"SOUL":  "SOUL.md",
	"AGENT": "AGENT.md",
	"USER":  "USER.md",
}

// LoadPersona reads the persona bundle from dir. Each of SOUL.md, AGENT.md,
// and USER.md is optional; a missing file leaves its section empty. When a
// single PERSONA.md exists instead, its level-1 headings named SOUL, AGENT,
// and USER split it into sections.
func LoadPersona(dir string) (Persona, error) {
	if data, err := os.ReadFile(filepath.Join(dir, "PERSONA.md")); err == nil {
		return ParsePersona(data), nil
	}
	var p Persona
	for section, file := range personaFiles {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return Persona{}, fmt.Errorf("load persona %s: %w", file, err)
		}
		p.set(section, strings.TrimSpace(string(data)))
	}
	return p, nil
}

// ParsePersona splits one concatenated markdown document into persona
// sections by walking its heading structure. Content before the first
// recognized heading lands in Soul.
func ParsePersona(src []byte) Persona {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(src))

	type region struct {
		name  string
		start int
	}
	var regions []region
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level != 1 {
			continue
		}
		name := strings.ToUpper(strings.TrimSpace(string(headingText(h, src))))
		if _, known := personaFiles[name]; !known {
			continue
		}
		if lines := h.Lines(); lines.Len() > 0 {
			regions = append(regions, region{name: name, start: lines.At(0).Start})
		}
	}

	var p Persona
	if len(regions) == 0 {
		p.Soul = strings.TrimSpace(string(src))
		return p
	}
	if regions[0].start > 0 {
		p.Soul = strings.TrimSpace(string(src[:regions[0].start]))
	}
	for i, r := range regions {
		end := len(src)
		if i+1 < len(regions) {
			end = regions[i+1].start
		}
		body := src[r.start:end]
		// Drop the heading line itself.
		if idx := strings.IndexByte(string(body), '\n'); idx >= 0 {
			body = body[idx+1:]
		} else {
			body = nil
		}
		p.set(r.name, strings.TrimSpace(string(body)))
	}
	return p
}

func headingText(h *ast.Heading, src []byte) []byte {
	var b strings.Builder
	for c := h.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
		}
	}
	return []byte(b.String())
}

func (p *Persona) set(section, content string) {
	switch section {
	case "SOUL":
		p.Soul = content
	case "AGENT":
		p.Agent = content
	case "USER":
		p.User = content
	}
}

// Render concatenates the non-empty sections in SOUL, AGENT, USER order.
func (p Persona) Render() string {
	var parts []string
	for _, s := range []string{p.Soul, p.Agent, p.User} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
