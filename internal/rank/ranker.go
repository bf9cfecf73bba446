// Package rank implements hybrid retrieval: keyword and vector search,
// quantile calibration, score fusion, session-aware deduplication and
// boosting, cross-encoder reranking, and context formatting with budget
// accounting.
package rank

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/embed"
	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/vecsrv"
)

// Defaults for the retrieval pipeline.
const (
	DefaultK        = 20
	candidatePool   = 60
	DefaultDeadline = 10 * time.Second
	sessionBoost    = 1.3
)

// Weights are the fusion parameters.
type Weights struct {
	FTS            float64
	Vector         float64
	DualMatchBonus float64
}

// DefaultWeights mirror the configuration defaults.
var DefaultWeights = Weights{FTS: 0.5, Vector: 0.5, DualMatchBonus: 0.1}

// Ranker wires the retrieval channels together. Embedder, Vector,
// Reranker, and Sessions may each be nil; the affected stage is skipped.
type Ranker struct {
	DB              *index.DB
	Embedder        embed.Provider
	Vector          *vecsrv.Client
	Reranker        *Reranker
	Sessions        *SessionStore
	Weights         Weights
	BudgetThreshold float64
	Deadline        time.Duration
	Logger          *slog.Logger
}

// Candidate is one scored retrieval result.
type Candidate struct {
	BulletID string
	Slug     string
	Text     string

	FTSRaw float64
	VecRaw float64
	InFTS  bool
	InVec  bool

	QKw   float64
	QVec  float64
	Score float64
}

// Status describes which pipeline stages degraded for a query.
type Status struct {
	Partial       bool
	FTSCalibrated bool
	VecCalibrated bool
	Notes         []string
}

func (r *Ranker) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// retrieve runs both channels in parallel under the soft deadline and
// returns the fused, session-adjusted, reranked candidate list, best
// first. sessionID may be empty.
func (r *Ranker) retrieve(ctx context.Context, query, rerankQuery, sessionID string, k int) ([]Candidate, Status, error) {
	if k <= 0 {
		k = DefaultK
	}
	deadline := r.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var (
		status  Status
		kwHits  []index.Hit
		vecHits []vecsrv.Hit
		kwErr   error
		vecErr  error
	)
	vectorEnabled := r.Weights.Vector > 0 && r.Embedder != nil && r.Vector != nil

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		kwHits, kwErr = r.DB.Search(query, candidatePool*3)
		return nil // channel failures are handled per-channel
	})
	if vectorEnabled {
		g.Go(func() error {
			vecs, err := r.Embedder.Embed(gctx, []string{query})
			if err != nil {
				vecErr = err
				return nil
			}
			vecHits, vecErr = r.Vector.Search(gctx, vecs[0], candidatePool*3)
			return nil
		})
	}
	_ = g.Wait()

	if kwErr != nil && (!vectorEnabled || vecErr != nil) {
		return nil, status, fmt.Errorf("rank: both channels failed (fts: %v, vector: %v): %w",
			kwErr, vecErr, apperr.ErrIndexUnavailable)
	}
	if kwErr != nil {
		status.Partial = true
		status.Notes = append(status.Notes, "keyword channel failed: "+kwErr.Error())
	}
	if vectorEnabled && vecErr != nil {
		status.Partial = true
		status.Notes = append(status.Notes, "vector channel failed: "+vecErr.Error())
	}

	byID := make(map[string]*Candidate)
	var order []string
	for _, h := range kwHits {
		c, ok := byID[h.BulletID]
		if !ok {
			c = &Candidate{BulletID: h.BulletID, Slug: h.Slug, Text: h.Text}
			byID[h.BulletID] = c
			order = append(order, h.BulletID)
		}
		c.FTSRaw, c.InFTS = h.Score, true
	}
	if len(vecHits) > 0 {
		// Vector hits carry only IDs; resolve slug and text from the store.
		ids := make([]string, 0, len(vecHits))
		for _, h := range vecHits {
			ids = append(ids, h.ID)
		}
		rows, err := r.DB.BulletsByIDs(ids)
		if err == nil {
			for _, h := range vecHits {
				row, ok := rows[h.ID]
				if !ok {
					continue // embedding for a since-deleted bullet
				}
				c, seen := byID[h.ID]
				if !seen {
					c = &Candidate{BulletID: h.ID, Slug: row.Slug, Text: row.Text}
					byID[h.ID] = c
					order = append(order, h.ID)
				}
				c.VecRaw, c.InVec = h.Score, true
			}
		}
	}
	if len(order) == 0 {
		return nil, status, nil
	}

	// Calibration: raw scores become comparable quantiles. A channel with
	// no stored breakpoints is effectively disabled and reported as such.
	ftsBreaks, _ := r.DB.Breaks(index.ChannelFTS)
	vecBreaks, _ := r.DB.Breaks(index.ChannelVector)
	status.FTSCalibrated = len(ftsBreaks) > 0
	status.VecCalibrated = len(vecBreaks) > 0

	cands := make([]Candidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		if c.InFTS {
			c.QKw = index.Quantile(c.FTSRaw, ftsBreaks)
		}
		if c.InVec {
			c.QVec = index.Quantile(c.VecRaw, vecBreaks)
		}
		c.Score = fuse(r.Weights, c.QKw, c.QVec, c.FTSRaw > 0 && c.VecRaw > 0)
		cands = append(cands, *c)
	}

	// Session adjustment: drop already-served bullets, boost touched nodes.
	if sessionID != "" && r.Sessions != nil {
		kept := cands[:0]
		for _, c := range cands {
			if r.Sessions.Served(sessionID, c.BulletID) {
				continue
			}
			if r.Sessions.TouchedSlug(sessionID, c.Slug) {
				c.Score *= sessionBoost
			}
			kept = append(kept, c)
		}
		cands = kept
	}

	sortCandidates(cands)
	if len(cands) > candidatePool {
		cands = cands[:candidatePool]
	}

	// Cross-encoder rerank over the pool; fused order survives when the
	// scorer is unavailable.
	if r.Reranker != nil && len(cands) >= 2 {
		rq := rerankQuery
		if rq == "" {
			rq = query
		}
		texts := make([]string, len(cands))
		for i, c := range cands {
			texts[i] = c.Text
		}
		scores, err := r.Reranker.Score(ctx, rq, texts)
		if err != nil {
			status.Partial = true
			status.Notes = append(status.Notes, "reranker unavailable: "+err.Error())
			r.logger().Warn("rank: rerank failed", slog.String("error", err.Error()))
		} else {
			for i := range cands {
				cands[i].Score = scores[i]
			}
			sortCandidates(cands)
		}
	}

	if len(cands) > k {
		cands = cands[:k]
	}
	return cands, status, nil
}

// fuse combines the calibrated channel quantiles; the bonus applies only
// when both channels matched with positive raw scores.
func fuse(w Weights, qKw, qVec float64, dualMatch bool) float64 {
	score := w.FTS*qKw + w.Vector*qVec
	if dualMatch {
		score += w.DualMatchBonus
	}
	return score
}

// sortCandidates orders by score descending, ties broken deterministically
// by ascending bullet ID.
func sortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].BulletID < cands[j].BulletID
	})
}

// Search is the bare ranked-hit surface (tool protocol `search`).
// Synthetic nodes other than _doc-* are hidden.
func (r *Ranker) Search(ctx context.Context, query string, limit int) ([]Candidate, Status, error) {
	cands, status, err := r.retrieve(ctx, query, "", "", max(limit, 1))
	if err != nil {
		return nil, status, err
	}
	kept := cands[:0]
	for _, c := range cands {
		if strings.HasPrefix(c.Slug, "_") && !strings.HasPrefix(c.Slug, "_doc-") {
			continue
		}
		kept = append(kept, c)
	}
	return kept, status, nil
}
