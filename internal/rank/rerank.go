package rank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/starford/munin/internal/apperr"
)

// Reranker scores (query, document) pairs against a cross-encoder
// scoring service over HTTP.
type Reranker struct {
	url    string
	model  string
	client *http.Client
}

// NewReranker targets a scoring endpoint. An empty URL returns nil, which
// the ranker treats as reranking disabled.
func NewReranker(url, model string) *Reranker {
	if url == "" {
		return nil
	}
	return &Reranker{
		url:    strings.TrimRight(url, "/") + "/rerank",
		model:  model,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Score returns one relevance score per document, in input order.
func (r *Reranker) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Documents: documents})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrProviderTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: rerank: %s: %s", apperr.ErrProviderTransient, resp.Status, msg)
	}
	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("%w: rerank decode: %v", apperr.ErrProviderTransient, err)
	}
	if len(rr.Scores) != len(documents) {
		return nil, fmt.Errorf("%w: rerank returned %d scores for %d documents",
			apperr.ErrProviderTransient, len(rr.Scores), len(documents))
	}
	return rr.Scores, nil
}
