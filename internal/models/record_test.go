package models

import (
	"strings"
	"testing"
)

func TestNewBulletID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewBulletID()
		if !strings.HasPrefix(id, "b-") {
			t.Fatalf("id %q missing b- prefix", id)
		}
		if len(id) != 10 {
			t.Fatalf("id %q: length = %d, want 10", id, len(id))
		}
		for _, c := range id[2:] {
			if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyz234567", c) {
				t.Fatalf("id %q contains non-base32 char %q", id, c)
			}
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q in 100 draws", id)
		}
		seen[id] = struct{}{}
	}
}

func TestValidSlug(t *testing.T) {
	valid := []string{"a", "a1", "asyncpg-patterns", "0x", "b-c-d"}
	invalid := []string{"", "-a", "A", "a_b", "a b", "[x]"}
	for _, s := range valid {
		if !ValidSlug(s) {
			t.Errorf("ValidSlug(%q) = false, want true", s)
		}
	}
	for _, s := range invalid {
		if ValidSlug(s) {
			t.Errorf("ValidSlug(%q) = true, want false", s)
		}
	}
}

func TestExtractLinks(t *testing.T) {
	links := ExtractLinks("alpha [b-link] beta [[double]] and [b-link] again", "self")
	if len(links) != 2 || links[0] != "b-link" || links[1] != "double" {
		t.Fatalf("links = %v, want [b-link double]", links)
	}
}

func TestExtractLinksSkipsSelf(t *testing.T) {
	links := ExtractLinks("see [self] and [other]", "self")
	if len(links) != 1 || links[0] != "other" {
		t.Fatalf("links = %v, want [other]", links)
	}
}

func TestNodeLive(t *testing.T) {
	n := &Node{Slug: "t", Bullets: []Bullet{
		{ID: "b-1"},
		{ID: "b-2", Deleted: true},
		{ID: "b-3"},
	}}
	live := n.Live()
	if len(live) != 2 || live[0].ID != "b-1" || live[1].ID != "b-3" {
		t.Fatalf("live = %v", live)
	}
}
