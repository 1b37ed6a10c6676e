package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opalsh/opal/internal/tools"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Release Notes</title><style>body { color: red }</style></head>
<body>
<nav>Home | About</nav>
<script>console.log("tracking")</script>
<article>
<h1>Version 2.0</h1>
<p>This release adds streaming support.</p>
<ul><li>Faster startup</li><li>Lower memory use</li></ul>
</article>
<footer>Copyright 2026</footer>
</body>
</html>`

func TestExtractHTML(t *testing.T) {
	title, content := extractHTML(samplePage)

	if title != "Release Notes" {
		t.Errorf("title = %q", title)
	}
	for _, want := range []string{"Version 2.0", "streaming support", "Faster startup"} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q:\n%s", want, content)
		}
	}
	for _, skip := range []string{"console.log", "color: red", "Home | About", "Copyright"} {
		if strings.Contains(content, skip) {
			t.Errorf("content should not contain %q:\n%s", skip, content)
		}
	}
}

func TestFetchHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	f := New()
	page, err := f.Fetch(context.Background(), srv.URL, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.Title != "Release Notes" {
		t.Errorf("Title = %q", page.Title)
	}
	if page.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", page.StatusCode)
	}
	if !strings.Contains(page.Content, "streaming support") {
		t.Errorf("Content = %q", page.Content)
	}
}

func TestFetchPlainTextTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("x", 200)))
	}))
	defer srv.Close()

	f := New()
	page, err := f.Fetch(context.Background(), srv.URL, 100)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !page.Truncated {
		t.Error("expected Truncated")
	}
	if len(page.Content) != 100 {
		t.Errorf("len(Content) = %d, want 100", len(page.Content))
	}
}

func TestFetchBinaryContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte{0xff, 0xfe, 0x00, 0x01})
	}))
	defer srv.Close()

	f := New()
	page, err := f.Fetch(context.Background(), srv.URL, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.Contains(page.Content, "Binary content") {
		t.Errorf("Content = %q", page.Content)
	}
}

func TestToolHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	reg := tools.NewRegistry()
	if err := RegisterTool(reg, New()); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}

	tool, ok := reg.Lookup("web_fetch")
	if !ok {
		t.Fatal("web_fetch not registered")
	}
	res := tool.Handler(context.Background(), map[string]any{"url": srv.URL})
	if res.OK {
		t.Fatal("404 should yield a failed result")
	}
	if !strings.Contains(res.Error, "404") {
		t.Errorf("error should mention status: %q", res.Error)
	}
}

func TestTruncateUTF8(t *testing.T) {
	s := "héllo wörld"
	got := truncateUTF8(s, 6)
	if !strings.HasPrefix(s, got) {
		t.Errorf("truncation broke the string: %q", got)
	}
	for _, r := range got {
		if r == '\uFFFD' {
			t.Errorf("truncation split a rune: %q", got)
		}
	}
}
