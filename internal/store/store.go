// Package store reads and writes the append-only record logs that are the
// system's source of truth. Each node owns node.jsonl (bullets) and
// meta.jsonl (votes, review markers) under <root>/<slug>/. Lines are
// appended with fsync under a file-local advisory lock; records are never
// rewritten in place.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/models"
)

const (
	nodeLog = "node.jsonl"
	metaLog = "meta.jsonl"
)

// Store is the JSONL-backed record store rooted at the nodes directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("store: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: abs, logger: logger}, nil
}

// Root returns the absolute nodes directory.
func (s *Store) Root() string { return s.root }

func (s *Store) nodePath(slug string) string { return filepath.Join(s.root, slug, nodeLog) }
func (s *Store) metaPath(slug string) string { return filepath.Join(s.root, slug, metaLog) }

// Exists reports whether a node log exists for slug.
func (s *Store) Exists(slug string) bool {
	_, err := os.Stat(s.nodePath(slug))
	return err == nil
}

// Slugs lists every node slug in the store, sorted.
func (s *Store) Slugs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.nodePath(e.Name())); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Add appends an add record for a fresh bullet and returns its ID. The node
// is created implicitly on first add.
func (s *Store) Add(slug, text string, kind models.Kind) (string, error) {
	if !models.ValidSlug(slug) {
		return "", fmt.Errorf("store: bad slug %q: %w", slug, apperr.ErrInput)
	}
	if kind == "" {
		kind = models.KindFact
	}
	if !models.ValidKind(kind) {
		return "", fmt.Errorf("store: bad kind %q: %w", kind, apperr.ErrInput)
	}
	if text == "" {
		return "", fmt.Errorf("store: empty text: %w", apperr.ErrInput)
	}

	taken := make(map[string]struct{})
	if node, err := s.Load(slug); err == nil {
		for _, b := range node.Bullets {
			taken[b.ID] = struct{}{}
		}
	}
	id := models.NewBulletID()
	for _, ok := taken[id]; ok; _, ok = taken[id] {
		id = models.NewBulletID()
	}

	rec := models.Record{Op: models.OpAdd, ID: id, Text: text, Kind: kind, TS: time.Now().UTC()}
	if err := s.append(s.nodePath(slug), rec); err != nil {
		return "", err
	}
	return id, nil
}

// AddSynthetic appends an add record with a caller-chosen ID under a
// synthetic node (leading underscore, e.g. _doc-*). Used by the file
// source projection, where deterministic IDs make resyncs idempotent.
func (s *Store) AddSynthetic(slug, id, text string, kind models.Kind) error {
	if !strings.HasPrefix(slug, "_") || !models.ValidSlug(strings.TrimPrefix(slug, "_")) {
		return fmt.Errorf("store: bad synthetic slug %q: %w", slug, apperr.ErrInput)
	}
	rec := models.Record{Op: models.OpAdd, ID: id, Text: text, Kind: kind, TS: time.Now().UTC()}
	return s.append(s.nodePath(slug), rec)
}

// Update appends an update record for id. It fails with NotFound when the
// ID is unknown in any node, or already tombstoned.
func (s *Store) Update(id, text string) error {
	if text == "" {
		return fmt.Errorf("store: empty text: %w", apperr.ErrInput)
	}
	slug, b, err := s.find(id)
	if err != nil {
		return err
	}
	if b.Deleted {
		return fmt.Errorf("store: bullet %s is deleted: %w", id, apperr.ErrNotFound)
	}
	rec := models.Record{Op: models.OpUpdate, ID: id, Text: text, TS: time.Now().UTC()}
	return s.append(s.nodePath(slug), rec)
}

// Delete appends a tombstone record for id.
func (s *Store) Delete(id string) error {
	slug, _, err := s.find(id)
	if err != nil {
		return err
	}
	rec := models.Record{Op: models.OpDelete, ID: id, TS: time.Now().UTC()}
	return s.append(s.nodePath(slug), rec)
}

// Vote appends a vote record (sign +1 useful, -1 harmful) to the meta log
// of the node owning targetID.
func (s *Store) Vote(targetID string, sign int) error {
	if sign != 1 && sign != -1 {
		return fmt.Errorf("store: vote sign must be +1 or -1: %w", apperr.ErrInput)
	}
	slug, _, err := s.find(targetID)
	if err != nil {
		return err
	}
	rec := models.Record{Op: models.OpVote, TargetID: targetID, Sign: sign, TS: time.Now().UTC()}
	return s.append(s.metaPath(slug), rec)
}

// MarkReviewed appends a reviewed marker to the node's meta log.
func (s *Store) MarkReviewed(slug string) error {
	if !s.Exists(slug) {
		return fmt.Errorf("store: node %s: %w", slug, apperr.ErrNotFound)
	}
	rec := models.Record{Op: models.OpReviewed, TS: time.Now().UTC()}
	return s.append(s.metaPath(slug), rec)
}

// List replays the node log and returns the live bullets in
// first-appearance order.
func (s *Store) List(slug string) ([]models.Bullet, error) {
	node, err := s.Load(slug)
	if err != nil {
		return nil, err
	}
	return node.Live(), nil
}

// Load replays both logs for slug into a Node. The live view is the latest
// non-tombstoned state per ID; a tombstoned ID stays tombstoned even if a
// later record re-uses it.
func (s *Store) Load(slug string) (*models.Node, error) {
	recs, err := s.replay(s.nodePath(slug))
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.Bullet)
	var order []string
	for _, r := range recs {
		switch r.Op {
		case models.OpAdd:
			if r.ID == "" {
				continue
			}
			if prev, ok := byID[r.ID]; ok {
				if prev.Deleted {
					continue // tombstoned stays tombstoned
				}
				prev.Text, prev.Kind, prev.UpdatedAt = r.Text, r.Kind, r.TS
				continue
			}
			byID[r.ID] = &models.Bullet{
				ID: r.ID, Slug: slug, Text: r.Text, Kind: r.Kind,
				CreatedAt: r.TS, UpdatedAt: r.TS,
			}
			order = append(order, r.ID)
		case models.OpUpdate:
			if b, ok := byID[r.ID]; ok && !b.Deleted {
				b.Text = r.Text
				b.UpdatedAt = r.TS
			}
		case models.OpDelete:
			if b, ok := byID[r.ID]; ok {
				b.Deleted = true
			}
		default:
			// Unknown op: preserved on disk, ignored for the live view.
		}
	}

	node := &models.Node{Slug: slug}
	for _, id := range order {
		node.Bullets = append(node.Bullets, *byID[id])
	}
	s.mergeMeta(node)
	return node, nil
}

// mergeMeta replays meta.jsonl onto node: vote tallies and the last
// reviewed marker. Missing meta logs are fine.
func (s *Store) mergeMeta(node *models.Node) {
	recs, err := s.replay(s.metaPath(node.Slug))
	if err != nil {
		return
	}
	useful := make(map[string]int)
	harmful := make(map[string]int)
	for _, r := range recs {
		switch r.Op {
		case models.OpVote:
			if r.Sign > 0 {
				useful[r.TargetID]++
			} else {
				harmful[r.TargetID]++
			}
		case models.OpReviewed:
			node.ReviewedAt = r.TS
		}
	}
	for i := range node.Bullets {
		node.Bullets[i].Useful = useful[node.Bullets[i].ID]
		node.Bullets[i].Harmful = harmful[node.Bullets[i].ID]
	}
}

// find locates the node owning a bullet ID by scanning all node logs.
func (s *Store) find(id string) (string, models.Bullet, error) {
	slugs, err := s.Slugs()
	if err != nil {
		return "", models.Bullet{}, err
	}
	for _, slug := range slugs {
		node, err := s.Load(slug)
		if err != nil {
			continue
		}
		for _, b := range node.Bullets {
			if b.ID == id {
				return slug, b, nil
			}
		}
	}
	return "", models.Bullet{}, fmt.Errorf("store: bullet %s: %w", id, apperr.ErrNotFound)
}

// replay parses every record line in path. Unparseable lines are logged
// and skipped at line granularity; a missing file yields no records.
func (s *Store) replay(path string) ([]models.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("store: %s: %w", filepath.Base(filepath.Dir(path)), apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	var out []models.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec models.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("store: skipping unparseable record",
				slog.String("file", path), slog.Int("line", lineNo),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	return out, nil
}

// append writes one record line with O_APPEND + fsync under an exclusive
// advisory flock. Cross-process safety beyond that relies on the
// single-writer discipline.
func (s *Store) append(path string, rec models.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: open append: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("store: lock %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("store: fsync: %w", err)
	}
	return nil
}
