package rank

import (
	"context"
	"sort"
	"strings"
)

const (
	// DefaultCharBudget bounds the context block when the caller does not
	// supply one (≈1000 tokens at 4 chars/token).
	DefaultCharBudget = 4000
	maxExploreHints   = 5
)

// ContextBullet is one served bullet line.
type ContextBullet struct {
	ID   string
	Text string
}

// ContextNode groups the served bullets of one node.
type ContextNode struct {
	Slug    string
	Title   string
	Flagged bool
	Bullets []ContextBullet
	Explore []string
}

// Format renders one node block:
//
//	[slug] Title ⚠ needs review
//	bullet text ←b-id1 | another bullet ←b-id2
//	↳ Explore: [other-slug], [third-slug]
func (n ContextNode) Format() string {
	header := "[" + n.Slug + "] " + n.Title
	if n.Flagged {
		header += " ⚠ needs review"
	}
	parts := make([]string, 0, len(n.Bullets))
	for _, b := range n.Bullets {
		parts = append(parts, b.Text+" ←"+b.ID)
	}
	lines := []string{header}
	if len(parts) > 0 {
		lines = append(lines, strings.Join(parts, " | "))
	}
	if len(n.Explore) > 0 {
		hints := make([]string, 0, len(n.Explore))
		for _, s := range n.Explore {
			hints = append(hints, "["+s+"]")
		}
		lines = append(lines, "↳ Explore: "+strings.Join(hints, ", "))
	}
	return strings.Join(lines, "\n")
}

// ContextResult is a packed context block plus its degradation status.
type ContextResult struct {
	Block      string
	Nodes      []ContextNode
	TotalChars int
	Status     Status
}

// ContextOptions parameterize one context call.
type ContextOptions struct {
	Query       string
	RerankQuery string
	SessionID   string
	K           int
	CharBudget  int
}

// Context runs the full pipeline and returns a ranked, deduplicated,
// budget-bounded text block. Serving accrues each contributing node's
// budget counter and records the session's served IDs. Nodes are packed
// in rank order; a later node that does not fit is retried with half its
// bullets, then skipped. The first node is always included whole, so a
// budget smaller than that node is exceeded.
func (r *Ranker) Context(ctx context.Context, opts ContextOptions) (*ContextResult, error) {
	cands, status, err := r.retrieve(ctx, opts.Query, opts.RerankQuery, opts.SessionID, opts.K)
	if err != nil {
		return nil, err
	}
	budget := opts.CharBudget
	if budget <= 0 {
		budget = DefaultCharBudget
	}

	// Group by node in rank order; synthetic nodes never reach context
	// output or budget accounting.
	bySlug := make(map[string][]Candidate)
	var slugOrder []string
	for _, c := range cands {
		if strings.HasPrefix(c.Slug, "_") {
			continue
		}
		if _, ok := bySlug[c.Slug]; !ok {
			slugOrder = append(slugOrder, c.Slug)
		}
		bySlug[c.Slug] = append(bySlug[c.Slug], c)
	}

	res := &ContextResult{Status: status}
	included := make(map[string]struct{})

	for _, slug := range slugOrder {
		if res.TotalChars >= budget {
			break
		}
		node := r.buildNode(slug, bySlug[slug], included)
		estimated := len(node.Format())
		if res.TotalChars+estimated > budget && len(res.Nodes) > 0 {
			// Try fitting with fewer bullets before skipping the node.
			node.Bullets = node.Bullets[:max(1, len(node.Bullets)/2)]
			estimated = len(node.Format())
			if res.TotalChars+estimated > budget {
				continue
			}
		}
		res.Nodes = append(res.Nodes, node)
		res.TotalChars += estimated
		included[slug] = struct{}{}
	}

	blocks := make([]string, len(res.Nodes))
	for i, n := range res.Nodes {
		blocks[i] = n.Format()
	}
	res.Block = strings.Join(blocks, "\n\n")

	r.accrue(res, opts.SessionID)
	return res, nil
}

// buildNode assembles one context node: bullets in insertion order, the
// review flag, and Explore hints from the backlink graph.
func (r *Ranker) buildNode(slug string, cands []Candidate, included map[string]struct{}) ContextNode {
	node := ContextNode{Slug: slug, Title: r.DB.NodeTitle(slug)}

	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.BulletID
	}
	rows, err := r.DB.BulletsByIDs(ids)
	if err == nil {
		// Selected bullets in node insertion order.
		sort.Slice(ids, func(i, j int) bool { return rows[ids[i]].Pos < rows[ids[j]].Pos })
	}
	for _, id := range ids {
		text := rows[id].Text
		if text == "" {
			for _, c := range cands {
				if c.BulletID == id {
					text = c.Text
					break
				}
			}
		}
		node.Bullets = append(node.Bullets, ContextBullet{ID: id, Text: text})
	}

	if r.BudgetThreshold > 0 {
		if flagged, err := r.DB.Flagged(slug, r.BudgetThreshold); err == nil {
			node.Flagged = flagged
		}
	}

	seen := map[string]struct{}{slug: {}}
	for s := range included {
		seen[s] = struct{}{}
	}
	var explore []string
	addHint := func(s string) {
		if len(explore) >= maxExploreHints {
			return
		}
		if _, dup := seen[s]; dup || strings.HasPrefix(s, "_") {
			return
		}
		seen[s] = struct{}{}
		explore = append(explore, s)
	}
	if out, err := r.DB.Outlinks(slug); err == nil {
		for _, s := range out {
			addHint(s)
		}
	}
	if back, err := r.DB.Backlinks(slug); err == nil {
		for _, s := range back {
			addHint(s)
		}
	}
	sort.Strings(explore)
	node.Explore = explore
	return node
}

// accrue charges served characters to each contributing node and records
// the session's served bullets.
func (r *Ranker) accrue(res *ContextResult, sessionID string) {
	var servedIDs, servedSlugs []string
	for _, n := range res.Nodes {
		chars := 0
		for _, b := range n.Bullets {
			chars += len(b.Text)
			servedIDs = append(servedIDs, b.ID)
		}
		servedSlugs = append(servedSlugs, n.Slug)
		if err := r.DB.AddServedChars(n.Slug, float64(chars)); err != nil {
			r.logger().Warn("rank: budget accrual failed",
				"slug", n.Slug, "error", err.Error())
		}
	}
	if sessionID != "" && r.Sessions != nil {
		r.Sessions.Record(sessionID, servedIDs, servedSlugs)
	}
}
