package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedRender(t *testing.T) {
	c := MustDefault()
	got, err := c.Render("denial.too_many_parts", map[string]any{"Parts": 5, "Max": 3})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(got, "5 game lines") || !strings.Contains(got, "limit is 3") {
		t.Fatalf("rendered = %q", got)
	}
	if _, err := c.Render("denial.muted", map[string]any{}); err == nil {
		t.Fatalf("missing data keys must fail")
	}
	if got := c.Text("no.such.key", nil); got != "no.such.key" {
		t.Fatalf("Text fallback = %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("denial:\n  blocked_content: \"nope\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Text("denial.blocked_content", nil); got != "nope" {
		t.Fatalf("override not applied: %q", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.yml"), []byte("denial:\n  blocked_content: \"again\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir); err == nil {
		t.Fatalf("duplicate override keys must fail")
	}
}
