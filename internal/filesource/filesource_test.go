package filesource

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/munin/internal/store"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir(), quietLog())
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSyncCreatesSyntheticNodes(t *testing.T) {
	st := testStore(t)
	srcDir := t.TempDir()
	writeFile(t, srcDir, "readme.md", "hello world\nthis is a doc")
	writeFile(t, srcDir, "main.go", "package main")
	writeFile(t, srcDir, "image.bin", "\x00\x01\x02")

	n, err := Sync(st, Source{
		Name:    "ws",
		Path:    srcDir,
		Include: []string{"**/*.md", "**/*.go"},
	}, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("indexed %d files, want 2 (binary and unmatched excluded)", n)
	}

	slug := DocSlug("ws", "readme.md")
	if !strings.HasPrefix(slug, "_doc-ws-") {
		t.Fatalf("slug = %q", slug)
	}
	bullets, err := st.List(slug)
	if err != nil {
		t.Fatal(err)
	}
	if len(bullets) != 1 || !strings.Contains(bullets[0].Text, "hello world") {
		t.Fatalf("bullets = %+v", bullets)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	st := testStore(t)
	srcDir := t.TempDir()
	writeFile(t, srcDir, "a.md", "content")
	src := Source{Name: "ws", Path: srcDir, Include: []string{"**/*.md"}}

	if _, err := Sync(st, src, quietLog()); err != nil {
		t.Fatal(err)
	}
	slug := DocSlug("ws", "a.md")
	first, _ := st.List(slug)

	if _, err := Sync(st, src, quietLog()); err != nil {
		t.Fatal(err)
	}
	second, _ := st.List(slug)
	if len(first) != len(second) || first[0].ID != second[0].ID {
		t.Fatalf("resync changed bullets: %+v vs %+v", first, second)
	}
}

func TestSyncReplacesChangedChunks(t *testing.T) {
	st := testStore(t)
	srcDir := t.TempDir()
	writeFile(t, srcDir, "a.md", "old content")
	src := Source{Name: "ws", Path: srcDir, Include: []string{"**/*.md"}}
	_, _ = Sync(st, src, quietLog())

	writeFile(t, srcDir, "a.md", "new content")
	if _, err := Sync(st, src, quietLog()); err != nil {
		t.Fatal(err)
	}

	bullets, _ := st.List(DocSlug("ws", "a.md"))
	if len(bullets) != 1 || !strings.Contains(bullets[0].Text, "new content") {
		t.Fatalf("bullets = %+v", bullets)
	}
}

func TestSyncExcludePatterns(t *testing.T) {
	st := testStore(t)
	srcDir := t.TempDir()
	writeFile(t, srcDir, "keep.md", "keep")
	writeFile(t, srcDir, "skip/secret.md", "skip")

	n, err := Sync(st, Source{
		Name:    "ws",
		Path:    srcDir,
		Include: []string{"**/*.md"},
		Exclude: []string{"skip/*"},
	}, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("indexed %d files, want 1", n)
	}
}

func TestChunkSplitsLongFiles(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "line"
	}
	chunks := chunk(strings.Join(lines, "\n"))
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3 for 100 lines at 40/chunk", len(chunks))
	}
}
