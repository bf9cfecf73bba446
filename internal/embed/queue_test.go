package embed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/index"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueueStoresVectors(t *testing.T) {
	p := &fakeProvider{dim: 2}

	var mu sync.Mutex
	stored := make(map[string][]float32)
	q := NewQueue(p, func(id string, vec []float32, hash, model string) error {
		mu.Lock()
		defer mu.Unlock()
		stored[id] = vec
		assert.Equal(t, "fake:test", model)
		return nil
	}, 16, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	q.Enqueue(ctx, []index.EmbedJob{
		{BulletID: "b-1", Text: "one", Hash: "h1"},
		{BulletID: "b-2", Text: "two", Hash: "h2"},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stored) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

type failingProvider struct {
	err error
}

func (f *failingProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, f.err
}
func (f *failingProvider) Dim() int        { return 1 }
func (f *failingProvider) ModelID() string { return "fail:model" }

func TestQueueHardFailureDisables(t *testing.T) {
	p := &failingProvider{err: fmt.Errorf("%w: bad key", apperr.ErrProviderHard)}
	q := NewQueue(p, func(string, []float32, string, string) error {
		t.Fatal("store must not be called")
		return nil
	}, 4, quietLogger())

	q.process(context.Background(), []index.EmbedJob{{BulletID: "b-1", Text: "x"}})
	_, ok := q.currentProvider()
	assert.False(t, ok, "hard failure disables the provider")

	// A config reload re-enables the channel.
	q.SetProvider(&fakeProvider{dim: 1})
	_, ok = q.currentProvider()
	assert.True(t, ok)
}

func TestQueueTransientFailureLeavesUnembedded(t *testing.T) {
	p := &failingProvider{err: fmt.Errorf("%w: connection refused", apperr.ErrProviderTransient)}
	called := false
	q := NewQueue(p, func(string, []float32, string, string) error {
		called = true
		return nil
	}, 4, quietLogger())

	q.process(context.Background(), []index.EmbedJob{{BulletID: "b-1", Text: "x"}})
	assert.False(t, called)
	_, ok := q.currentProvider()
	assert.True(t, ok, "transient failure keeps the provider enabled")
}

func TestWithRetryGivesUpAfterAttempts(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), func() error {
		attempts++
		return errors.New("flaky")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrProviderTransient)
	assert.Equal(t, retryAttempts, attempts)
}

func TestWithRetryStopsOnHardFailure(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), func() error {
		attempts++
		return fmt.Errorf("%w: unknown model", apperr.ErrProviderHard)
	})
	assert.ErrorIs(t, err, apperr.ErrProviderHard)
	assert.Equal(t, 1, attempts)
}

func TestOllamaEmbedAgainstFakeDaemon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2],[0.3,0.4]]}`))
	}))
	defer srv.Close()
	t.Setenv("OLLAMA_HOST", srv.URL)

	p := newOllama("nomic-embed-text")
	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.InDelta(t, 0.3, vecs[1][0], 1e-6)
}

func TestPostJSONClassifiesHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	var out struct{}
	err := postJSON(context.Background(), srv.Client(), srv.URL, nil, map[string]any{}, &out)
	assert.ErrorIs(t, err, apperr.ErrProviderHard)
}
