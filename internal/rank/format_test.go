package rank

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextNodeFormat(t *testing.T) {
	n := ContextNode{
		Slug:  "asyncpg-patterns",
		Title: "asyncpg-patterns",
		Bullets: []ContextBullet{
			{ID: "b-aaaa1111", Text: "LIKE is case-sensitive"},
			{ID: "b-bbbb2222", Text: "pool size defaults to 10"},
		},
		Explore: []string{"postgres", "sqlalchemy"},
	}
	got := n.Format()
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[asyncpg-patterns] asyncpg-patterns", lines[0])
	assert.Equal(t, "LIKE is case-sensitive ←b-aaaa1111 | pool size defaults to 10 ←b-bbbb2222", lines[1])
	assert.Equal(t, "↳ Explore: [postgres], [sqlalchemy]", lines[2])
}

func TestContextNodeFormatFlagged(t *testing.T) {
	n := ContextNode{Slug: "t", Title: "t", Flagged: true}
	assert.Contains(t, n.Format(), "⚠ needs review")
}

func TestRerankerScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"scores":[0.1,0.9,0.5]}`))
	}))
	defer srv.Close()

	rr := NewReranker(srv.URL, "test-model")
	scores, err := rr.Score(t.Context(), "query", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.9, 0.5}, scores)
}

func TestRerankerScoreCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"scores":[0.1]}`))
	}))
	defer srv.Close()

	rr := NewReranker(srv.URL, "")
	_, err := rr.Score(t.Context(), "query", []string{"a", "b"})
	assert.Error(t, err)
}

func TestNewRerankerEmptyURL(t *testing.T) {
	assert.Nil(t, NewReranker("", "model"))
}
