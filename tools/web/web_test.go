package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/venalis/ember"
)

const samplePage = `<!DOCTYPE html>
<html><head><title>Release notes</title>
<script>var tracking = true;</script>
<style>body { color: red; }</style>
</head><body>
<article>
<h1>Release notes</h1>
<p>Version 2.0 ships the new storage engine and faster indexing.</p>
<p>Upgrade with the usual migration steps.</p>
</article>
</body></html>`

func fetch(t *testing.T, tool *Tool, rawURL string) (string, error) {
	t.Helper()
	args, err := json.Marshal(map[string]string{"url": rawURL})
	if err != nil {
		t.Fatal(err)
	}
	return tool.Execute(context.Background(), args)
}

func TestToolExecute_ExtractsReadableText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	out, err := fetch(t, New(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "new storage engine") {
		t.Errorf("output = %q, want article text", out)
	}
	if strings.Contains(out, "tracking") || strings.Contains(out, "color: red") {
		t.Error("script or style content leaked into output")
	}
}

func TestToolExecute_SchemeRejected(t *testing.T) {
	for _, u := range []string{"file:///etc/passwd", "ftp://host/file", "javascript:alert(1)"} {
		_, err := fetch(t, New(), u)
		if ember.KindOf(err) != ember.ErrToolSecurity {
			t.Errorf("%q: kind = %s, want %s", u, ember.KindOf(err), ember.ErrToolSecurity)
		}
	}
}

func TestToolExecute_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fetch(t, New(), srv.URL+"/missing")
	if ember.KindOf(err) != ember.ErrToolExecution {
		t.Errorf("kind = %s, want %s", ember.KindOf(err), ember.ErrToolExecution)
	}
	if !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("error = %v", err)
	}
}

func TestToolExecute_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(nil)
	srv.Close()

	_, err := fetch(t, New(), srv.URL)
	if ember.KindOf(err) != ember.ErrToolExecution {
		t.Errorf("kind = %s, want %s", ember.KindOf(err), ember.ErrToolExecution)
	}
}

func TestToolExecute_TruncatesLongContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<html><body><p>%s</p></body></html>", strings.Repeat("word ", 4000))
	}))
	defer srv.Close()

	out, err := fetch(t, New(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(out, "... (truncated)") {
		t.Error("long page missing truncation marker")
	}
}

func TestToolExecute_EmptyBodyPlaceholder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
	}))
	defer srv.Close()

	out, err := fetch(t, New(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "(no readable content)" {
		t.Errorf("output = %q", out)
	}
}

func TestExtract_FallbackStripsMarkup(t *testing.T) {
	u, _ := url.Parse("http://example.com")
	got := extract(`<div>plain <b>bold</b><script>junk()</script></div>`, u)
	if !strings.Contains(got, "plain") || !strings.Contains(got, "bold") {
		t.Errorf("extract = %q", got)
	}
	if strings.Contains(got, "junk") {
		t.Errorf("extract = %q, want script stripped", got)
	}
}

func TestToolDefinition(t *testing.T) {
	def := New().Definition()
	if def.Name != "web_fetch" {
		t.Errorf("name = %q", def.Name)
	}
	if len(def.Required) != 1 || def.Required[0] != "url" {
		t.Errorf("required = %v", def.Required)
	}
}
