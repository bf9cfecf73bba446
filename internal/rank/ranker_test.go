package rank

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/models"
	"github.com/starford/munin/internal/testutil"
)

func TestFuseKeywordOnly(t *testing.T) {
	// q_kw = 0.8, weights 0.5/0.5, bonus 0.1: no vector match, no bonus.
	got := fuse(DefaultWeights, 0.8, 0, false)
	assert.InDelta(t, 0.4, got, 1e-12)
}

func TestFuseDualMatchBonus(t *testing.T) {
	got := fuse(DefaultWeights, 0.8, 0.6, true)
	assert.InDelta(t, 0.5*0.8+0.5*0.6+0.1, got, 1e-12)
}

func TestFuseLowerBound(t *testing.T) {
	// The bonus is non-negative: score >= weighted sum.
	for _, qkw := range []float64{0, 0.3, 1} {
		for _, qvec := range []float64{0, 0.5, 1} {
			for _, dual := range []bool{false, true} {
				got := fuse(DefaultWeights, qkw, qvec, dual)
				assert.GreaterOrEqual(t, got, 0.5*qkw+0.5*qvec)
			}
		}
	}
}

func TestFuseMonotone(t *testing.T) {
	base := fuse(DefaultWeights, 0.2, 0.3, false)
	assert.Greater(t, fuse(DefaultWeights, 0.4, 0.3, false), base)
	assert.Greater(t, fuse(DefaultWeights, 0.2, 0.5, false), base)
}

func TestSortCandidatesTieBreak(t *testing.T) {
	cands := []Candidate{
		{BulletID: "b-zz", Score: 0.5},
		{BulletID: "b-aa", Score: 0.5},
		{BulletID: "b-mm", Score: 0.9},
	}
	sortCandidates(cands)
	require.Equal(t, "b-mm", cands[0].BulletID)
	assert.Equal(t, "b-aa", cands[1].BulletID, "ties break by ascending bullet ID")
	assert.Equal(t, "b-zz", cands[2].BulletID)
}

func testRanker(t *testing.T) (*Ranker, *index.DB) {
	t.Helper()
	db := testutil.TestDB(t)
	return &Ranker{
		DB:              db,
		Weights:         DefaultWeights,
		BudgetThreshold: 3000,
		Sessions:        NewSessionStore(0),
	}, db
}

func seed(t *testing.T, db *index.DB) (idAlpha, idBeta string) {
	t.Helper()
	st := testutil.TestStore(t)
	var err error
	idAlpha, err = st.Add("topic", "alpha retrieval engine", models.KindFact)
	require.NoError(t, err)
	idBeta, err = st.Add("topic", "beta retrieval pipeline", models.KindFact)
	require.NoError(t, err)
	_, err = index.ReindexNode(db, st, "topic")
	require.NoError(t, err)
	return idAlpha, idBeta
}

func TestContextServesAndAccruesBudget(t *testing.T) {
	r, db := testRanker(t)
	seed(t, db)

	res, err := r.Context(context.Background(), ContextOptions{Query: "retrieval"})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "topic", res.Nodes[0].Slug)
	assert.Len(t, res.Nodes[0].Bullets, 2)
	assert.Contains(t, res.Block, "[topic]")
	assert.Contains(t, res.Block, "←")

	served, err := db.ServedBudget("topic")
	require.NoError(t, err)
	want := float64(len("alpha retrieval engine") + len("beta retrieval pipeline"))
	assert.Equal(t, want, served)
}

func TestContextSessionDedup(t *testing.T) {
	r, db := testRanker(t)
	idAlpha, _ := seed(t, db)

	// The session has already seen the alpha bullet.
	r.Sessions.Record("s1", []string{idAlpha}, nil)

	res, err := r.Context(context.Background(), ContextOptions{Query: "retrieval", SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	require.Len(t, res.Nodes[0].Bullets, 1)
	assert.NotEqual(t, idAlpha, res.Nodes[0].Bullets[0].ID)

	// Everything served now; the next call returns nothing for s1.
	res2, err := r.Context(context.Background(), ContextOptions{Query: "retrieval", SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, res2.Nodes)
}

func TestContextRespectsCharBudget(t *testing.T) {
	r, db := testRanker(t)
	seed(t, db)

	// The first node is always packed (a context is never empty when there
	// are hits); the budget caps everything after it.
	res, err := r.Context(context.Background(), ContextOptions{Query: "retrieval", CharBudget: 40})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)

	full, err := r.Context(context.Background(), ContextOptions{Query: "retrieval", CharBudget: 4000})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, full.TotalChars, res.TotalChars)
}

func TestContextExcludesSyntheticNodes(t *testing.T) {
	r, db := testRanker(t)
	st := testutil.TestStore(t)
	require.NoError(t, st.AddSynthetic("_doc-src-cafe0123", "f-00000000", "alpha synthetic chunk", models.KindNote))
	_, err := index.ReindexNode(db, st, "_doc-src-cafe0123")
	require.NoError(t, err)

	res, err := r.Context(context.Background(), ContextOptions{Query: "synthetic"})
	require.NoError(t, err)
	assert.Empty(t, res.Nodes, "synthetic nodes never reach context output")

	served, _ := db.ServedBudget("_doc-src-cafe0123")
	assert.Zero(t, served)
}

func TestSearchUncalibratedChannelsReported(t *testing.T) {
	r, db := testRanker(t)
	seed(t, db)

	_, status, err := r.Search(context.Background(), "retrieval", 10)
	require.NoError(t, err)
	assert.False(t, status.FTSCalibrated)
	assert.False(t, status.VecCalibrated)
}

func TestVectorWeightZeroSuppressesChannel(t *testing.T) {
	r, db := testRanker(t)
	seed(t, db)
	r.Weights.Vector = 0
	// Embedder and Vector stay nil: with weight zero the channel must not
	// even be attempted, so retrieval succeeds on keyword alone.
	res, err := r.Context(context.Background(), ContextOptions{Query: "retrieval"})
	require.NoError(t, err)
	assert.False(t, res.Status.Partial)
}
