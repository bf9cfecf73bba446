// Package filesource projects configured source trees into synthetic
// _doc-* nodes in the record store, making project files searchable next
// to the hand-written graph. Synthetic nodes are excluded from review and
// budget accounting.
package filesource

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/starford/munin/internal/models"
	"github.com/starford/munin/internal/store"
)

// Source describes one configured file source.
type Source struct {
	Name    string
	Path    string
	Include []string
	Exclude []string
	UseGit  bool
	MaxKB   int
}

const (
	chunkLines   = 40
	defaultMaxKB = 512
)

// Sync writes the source's files into the record store as synthetic
// nodes, one node per file, one bullet per chunk. The regular indexer
// then projects them like any other node. Unchanged files are skipped by
// comparing the chunk set.
func Sync(st *store.Store, src Source, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	files, err := listFiles(src)
	if err != nil {
		return 0, err
	}
	maxBytes := src.MaxKB
	if maxBytes <= 0 {
		maxBytes = defaultMaxKB
	}
	maxBytes *= 1024

	indexed := 0
	for _, rel := range files {
		abs := filepath.Join(src.Path, rel)
		info, err := os.Stat(abs)
		if err != nil || info.Size() > int64(maxBytes) {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil || !isText(data) {
			continue
		}
		slug := DocSlug(src.Name, rel)
		if err := syncFile(st, slug, rel, data); err != nil {
			logger.Warn("filesource: sync failed",
				slog.String("file", rel), slog.String("error", err.Error()))
			continue
		}
		indexed++
	}
	return indexed, nil
}

// DocSlug derives the synthetic node slug for a source file.
func DocSlug(sourceName, relPath string) string {
	h := sha256.Sum256([]byte(relPath))
	return fmt.Sprintf("_doc-%s-%s", sourceName, hex.EncodeToString(h[:])[:8])
}

// syncFile diffs the node's bullets against the file's chunks. Chunk IDs
// are content-addressed, so an unchanged chunk keeps its ID (and its
// embedding); a changed chunk gets a fresh ID while the old one is
// tombstoned. Tombstoned IDs are never reused.
func syncFile(st *store.Store, slug, rel string, data []byte) error {
	chunks := chunk(string(data))
	existing := make(map[string]struct{})
	tombstoned := make(map[string]struct{})
	if node, err := st.Load(slug); err == nil {
		for _, b := range node.Bullets {
			if b.Deleted {
				tombstoned[b.ID] = struct{}{}
			} else {
				existing[b.ID] = struct{}{}
			}
		}
	}

	want := make(map[string]struct{}, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = chunkID(rel, i, c)
		// Content that returns after its ID was tombstoned takes the first
		// variant ID that is still free.
		for n := 1; ; n++ {
			if _, dead := tombstoned[ids[i]]; !dead {
				break
			}
			ids[i] = chunkID(rel, i, fmt.Sprintf("%s\x00%d", c, n))
		}
		want[ids[i]] = struct{}{}
	}

	for id := range existing {
		if _, keep := want[id]; !keep {
			_ = st.Delete(id)
		}
	}
	for i, c := range chunks {
		if _, have := existing[ids[i]]; have {
			continue
		}
		header := rel
		if len(chunks) > 1 {
			header = fmt.Sprintf("%s (part %d/%d)", rel, i+1, len(chunks))
		}
		if err := st.AddSynthetic(slug, ids[i], header+"\n"+c, models.KindNote); err != nil {
			return err
		}
	}
	return nil
}

func chunkID(rel string, i int, text string) string {
	h := sha256.Sum256([]byte(rel + "\x00" + text))
	return fmt.Sprintf("f-%s%02d", hex.EncodeToString(h[:])[:6], i)
}

func chunk(text string) []string {
	lines := strings.Split(text, "\n")
	var out []string
	for start := 0; start < len(lines); start += chunkLines {
		end := min(start+chunkLines, len(lines))
		c := strings.TrimSpace(strings.Join(lines[start:end], "\n"))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// listFiles returns relative paths selected by the source's patterns.
// With UseGit, git ls-files supplies the candidates (respecting
// .gitignore); otherwise the tree is walked.
func listFiles(src Source) ([]string, error) {
	var candidates []string
	if src.UseGit {
		cmd := exec.Command("git", "-C", src.Path, "ls-files")
		out, err := cmd.Output()
		if err == nil {
			sc := bufio.NewScanner(bytes.NewReader(out))
			for sc.Scan() {
				if line := strings.TrimSpace(sc.Text()); line != "" {
					candidates = append(candidates, line)
				}
			}
		}
	}
	if candidates == nil {
		err := filepath.WalkDir(src.Path, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil //nolint:nilerr // unreadable entries are skipped
			}
			rel, relErr := filepath.Rel(src.Path, path)
			if relErr != nil {
				return nil
			}
			candidates = append(candidates, rel)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("filesource: walk %s: %w", src.Path, err)
		}
	}

	var out []string
	for _, rel := range candidates {
		if matchAny(src.Exclude, rel) {
			continue
		}
		if len(src.Include) > 0 && !matchAny(src.Include, rel) {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}

// matchAny applies glob patterns; a "**/" prefix matches at any depth,
// including the root.
func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if trimmed, found := strings.CutPrefix(p, "**/"); found {
			if ok, _ := filepath.Match(trimmed, rel); ok {
				return true
			}
			if ok, _ := filepath.Match(trimmed, filepath.Base(rel)); ok {
				return true
			}
		}
	}
	return false
}

// isText is a cheap binary sniff: NUL bytes in the first KB disqualify.
func isText(data []byte) bool {
	probe := data
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	return !bytes.ContainsRune(probe, 0)
}
