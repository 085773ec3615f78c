package adapters

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iago/longform/internal/cache"
	"github.com/iago/longform/internal/capability"
	"github.com/iago/longform/internal/failure"
)

func TestMarkdownRendererRendersSections(t *testing.T) {
	result, err := NewMarkdownRenderer().Render(context.Background(), capability.RenderRequest{
		Title: "Tides",
		Sections: []capability.RenderSection{
			{Heading: "Introduction", Body: "The moon pulls."},
			{Heading: "Conclusion", Body: "The sea answers."},
		},
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	want := "# Tides\n\n## Introduction\n\nThe moon pulls.\n\n## Conclusion\n\nThe sea answers.\n"
	if string(result.Content) != want {
		t.Fatalf("unexpected markdown:\n%s", result.Content)
	}
	if result.Format != FormatMarkdown {
		t.Fatalf("expected markdown format, got %s", result.Format)
	}
}

func TestMarkdownRendererRejectsUnknownFormat(t *testing.T) {
	_, err := NewMarkdownRenderer().Render(context.Background(), capability.RenderRequest{
		Format:   "pdf",
		Sections: []capability.RenderSection{{Body: "x"}},
	})
	if failure.KindOf(err) != failure.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMarkdownRendererSanitizesHTML(t *testing.T) {
	result, err := NewMarkdownRenderer().Render(context.Background(), capability.RenderRequest{
		Title:  "Tides",
		Format: "HTML",
		Sections: []capability.RenderSection{
			{Heading: "Introduction", Body: "The moon **pulls**.\n\n<script>alert(1)</script>"},
		},
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	html := string(result.Content)
	if result.Format != FormatHTML {
		t.Fatalf("expected html format, got %s", result.Format)
	}
	if !strings.Contains(html, "<h1>Tides</h1>") || !strings.Contains(html, "<strong>pulls</strong>") {
		t.Fatalf("expected rendered headings and emphasis, got:\n%s", html)
	}
	if strings.Contains(html, "<script>") {
		t.Fatalf("expected script to be stripped, got:\n%s", html)
	}
}

func TestNotesLookupRanksAndCaches(t *testing.T) {
	dir := t.TempDir()
	note := "# Harbor notes\n\nThe harbor silted up in 1820.\n\nFishing boats moved to the harbor mouth after the tide tables changed.\n\nUnrelated paragraph about wool."
	if err := os.WriteFile(filepath.Join(dir, "harbor.md"), []byte(note), 0o644); err != nil {
		t.Fatalf("write note: %v", err)
	}
	resultCache := cache.NewResultCache(cache.Config{})
	lookup := NewNotesLookup(dir, resultCache)

	result, err := lookup.Lookup(context.Background(), capability.LookupRequest{Query: "harbor tide", Limit: 2})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(result.Notes) != 2 {
		t.Fatalf("expected 2 notes, got %v", result.Notes)
	}
	if !strings.HasPrefix(result.Notes[0], "Fishing boats") {
		t.Fatalf("expected best match first, got %q", result.Notes[0])
	}
	if resultCache.Len() != 1 {
		t.Fatalf("expected lookup to be cached")
	}

	if err := os.Remove(filepath.Join(dir, "harbor.md")); err != nil {
		t.Fatalf("remove note: %v", err)
	}
	cached, err := lookup.Lookup(context.Background(), capability.LookupRequest{Query: "Harbor  tide", Limit: 2})
	if err != nil {
		t.Fatalf("expected cached success, got %v", err)
	}
	if len(cached.Notes) != 2 {
		t.Fatalf("expected cached notes, got %v", cached.Notes)
	}
}

func TestNotesLookupMissingDirectoryIsTransient(t *testing.T) {
	lookup := NewNotesLookup(filepath.Join(t.TempDir(), "missing"), nil)
	_, err := lookup.Lookup(context.Background(), capability.LookupRequest{Query: "harbor"})
	if failure.KindOf(err) != failure.KindTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestNotesLookupWithoutDirectoryReturnsNothing(t *testing.T) {
	result, err := NewNotesLookup("", nil).Lookup(context.Background(), capability.LookupRequest{Query: "harbor"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(result.Notes) != 0 {
		t.Fatalf("expected no notes, got %v", result.Notes)
	}
}
