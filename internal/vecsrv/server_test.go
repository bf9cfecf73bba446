package vecsrv

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/munin/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadAndSearch(t *testing.T) {
	db := testutil.TestDB(t)
	require.NoError(t, db.StoreEmbedding("b-aaaa", []float32{1, 0, 0}, "h1", "m"))
	require.NoError(t, db.StoreEmbedding("b-bbbb", []float32{0, 1, 0}, "h2", "m"))
	require.NoError(t, db.StoreEmbedding("b-cccc", []float32{0.9, 0.1, 0}, "h3", "m"))

	s := NewServer(db, quietLogger())
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 3, s.Size())

	hits, err := s.Search(context.Background(), []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "b-aaaa", hits[0].ID, "exact match ranks first")
	assert.InDelta(t, 1.0, hits[0].Score, 1e-3)
	assert.Equal(t, "b-cccc", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchEmptyIndex(t *testing.T) {
	db := testutil.TestDB(t)
	s := NewServer(db, quietLogger())
	require.NoError(t, s.Load(context.Background()))

	hits, err := s.Search(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIncrementalRefresh(t *testing.T) {
	db := testutil.TestDB(t)
	require.NoError(t, db.StoreEmbedding("b-aaaa", []float32{1, 0}, "h1", "m"))

	s := NewServer(db, quietLogger())
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 1, s.Size())

	// A revision bump after load is picked up incrementally.
	require.NoError(t, db.StoreEmbedding("b-bbbb", []float32{0, 1}, "h2", "m"))
	s.mu.Lock()
	err := s.refreshLocked(context.Background())
	s.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, 2, s.Size())

	hits, err := s.Search(context.Background(), []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b-bbbb", hits[0].ID)
}

func TestNormalize(t *testing.T) {
	v := normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}
