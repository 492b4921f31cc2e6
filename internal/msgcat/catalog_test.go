package msgcat

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEmbeddedRejectKeys(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, code := range []string{"not_a_player", "out_of_turn", "illegal_move", "game_over", "malformed_request"} {
		found := false
		for _, k := range c.Keys() {
			if k == "reject."+code {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing embedded key reject.%s", code)
		}
	}
	got, err := c.Render("reject.out_of_turn", map[string]any{"Turn": "black"})
	if err != nil || got != "It is black's turn." {
		t.Fatalf("Render: %q %v", got, err)
	}
}

func TestRenderMissingField(t *testing.T) {
	c := MustDefault()
	if _, err := c.Render("reject.illegal_move", map[string]any{}); err == nil {
		t.Fatalf("expected missingkey error")
	}
	if got := c.Text("reject.illegal_move", map[string]any{}, "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	var nilCat *Catalog
	if got := nilCat.Text("reject.illegal_move", nil, "fb"); got != "fb" {
		t.Fatalf("nil catalog must return fallback")
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("reject:\n  not_a_player: \"Watch only.\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, _ := c.Render("reject.not_a_player", nil); got != "Watch only." {
		t.Fatalf("override not applied: %q", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.yml"), []byte("reject:\n  not_a_player: \"dup\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(dir); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}
