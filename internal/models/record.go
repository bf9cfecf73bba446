// Package models defines the record and bullet types shared by the store
// and the indexer.
package models

import (
	"encoding/base32"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a bullet.
type Kind string

// Bullet kinds.
const (
	KindFact     Kind = "fact"
	KindGotcha   Kind = "gotcha"
	KindDecision Kind = "decision"
	KindTask     Kind = "task"
	KindNote     Kind = "note"
	KindSuccess  Kind = "success"
	KindFailure  Kind = "failure"
)

// ValidKind reports whether k is a known bullet kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindFact, KindGotcha, KindDecision, KindTask, KindNote, KindSuccess, KindFailure:
		return true
	}
	return false
}

// Record ops.
const (
	OpAdd      = "add"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpVote     = "vote"
	OpReviewed = "reviewed"
)

// Record is one self-describing JSONL line in node.jsonl or meta.jsonl.
// Records are appended, never rewritten, so unknown fields on disk are
// preserved automatically.
type Record struct {
	Op       string    `json:"op"`
	ID       string    `json:"id,omitempty"`
	Text     string    `json:"text,omitempty"`
	Kind     Kind      `json:"kind,omitempty"`
	TargetID string    `json:"target_id,omitempty"`
	Sign     int       `json:"sign,omitempty"`
	TS       time.Time `json:"ts"`
}

// Bullet is the live view of a record chain: the latest non-tombstoned
// state for one ID.
type Bullet struct {
	ID        string
	Slug      string
	Text      string
	Kind      Kind
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool

	// Vote tallies, merged in from meta.jsonl.
	Useful  int
	Harmful int
}

// Node is a named group of bullets plus its metadata state.
type Node struct {
	Slug       string
	Bullets    []Bullet // first-appearance order, tombstoned included
	ReviewedAt time.Time
}

// Live returns the non-tombstoned bullets in first-appearance order.
func (n *Node) Live() []Bullet {
	out := make([]Bullet, 0, len(n.Bullets))
	for _, b := range n.Bullets {
		if !b.Deleted {
			out = append(out, b)
		}
	}
	return out
}

// Title derives a display title from the slug.
func (n *Node) Title() string { return n.Slug }

var (
	slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	// Cross-reference pattern: [slug] or [[slug]] in bullet text. The single
	// bracket form also matches the inner part of a double-bracket link.
	crossrefRe = regexp.MustCompile(`\[([a-z0-9][a-z0-9-]*[a-z0-9])\]`)
)

// ValidSlug reports whether s is a legal node slug.
func ValidSlug(s string) bool { return slugRe.MatchString(s) }

// ExtractLinks returns the deduplicated slugs referenced by [slug] or
// [[slug]] tokens in text, excluding self.
func ExtractLinks(text, self string) []string {
	matches := crossrefRe.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		ref := m[1]
		if ref == self {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

var idEnc = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewBulletID generates a compact bullet ID: "b-" plus 8 lowercase base32
// characters of random entropy. Collision handling is the caller's job.
func NewBulletID() string {
	u := uuid.New()
	enc := idEnc.EncodeToString(u[:])
	id := make([]byte, 8)
	for i := 0; i < 8; i++ {
		c := enc[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		id[i] = c
	}
	return "b-" + string(id)
}
