// Package web provides a URL fetch tool that extracts readable text.
package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/venalis/ember"
)

const (
	maxBodyBytes = 1 << 20 // 1MB
	maxContent   = 8000
)

// Tool fetches http(s) URLs and extracts readable content. Other schemes are
// rejected as security failures.
type Tool struct {
	client *http.Client
}

var _ ember.Tool = (*Tool)(nil)

// New creates a web fetch tool with a 15-second timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: 15 * time.Second}}
}

// WithClient overrides the HTTP client, for tests.
func (t *Tool) WithClient(c *http.Client) *Tool {
	t.client = c
	return t
}

func (t *Tool) Definition() ember.ToolDefinition {
	return ember.ToolDefinition{
		Name:        "web_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch (http or https)"}},"required":["url"]}`),
		Required:    []string{"url"},
		Category:    "network",
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", ember.Errorf(ember.ErrToolValidation, "invalid args: %v", err)
	}

	parsed, err := url.Parse(strings.TrimSpace(params.URL))
	if err != nil {
		return "", ember.Errorf(ember.ErrToolValidation, "invalid URL: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", ember.Errorf(ember.ErrToolSecurity, "scheme %q not allowed", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", ember.Errorf(ember.ErrToolValidation, "invalid URL: %v", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; EmberBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", ember.Errorf(ember.ErrToolExecution, "fetch: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", ember.Errorf(ember.ErrToolExecution, "HTTP %d from %s", resp.StatusCode, parsed.Host)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", ember.Errorf(ember.ErrToolExecution, "read body: %v", err)
	}

	content := extract(string(body), parsed)
	if len(content) > maxContent {
		content = content[:maxContent] + "\n... (truncated)"
	}
	if content == "" {
		content = "(no readable content)"
	}
	return content, nil
}

var (
	tagRe    = regexp.MustCompile(`(?s)<(script|style)\b.*?</(script|style)>`)
	markupRe = regexp.MustCompile(`<[^>]*>`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// extract prefers readability; falls back to stripping markup.
func extract(html string, u *url.URL) string {
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent)
	}
	text := tagRe.ReplaceAllString(html, " ")
	text = markupRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}
