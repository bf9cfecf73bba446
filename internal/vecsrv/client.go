package vecsrv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Wire types shared by server and client.
type (
	healthResponse struct {
		Status   string `json:"status"`
		NVectors int    `json:"n_vectors"`
	}
	searchRequest struct {
		Vector []float32 `json:"vector"`
		K      int       `json:"k"`
	}
	searchResponse struct {
		Results []Hit `json:"results"`
	}
	addBatchRequest struct {
		IDs     []string    `json:"ids"`
		Vectors [][]float32 `json:"vectors"`
	}
	addBatchResponse struct {
		OK bool `json:"ok"`
		N  int  `json:"n"`
	}
	errorResponse struct {
		Error string `json:"error"`
	}
)

// Hit is one vector-search result.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Client talks to a running vector server.
type Client struct {
	base string
	http *http.Client
}

// NewClient targets the vector server on the given local port.
func NewClient(port int) *Client {
	return &Client{
		base: fmt.Sprintf("http://127.0.0.1:%d", port),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Health reports the number of loaded vectors.
func (c *Client) Health(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return 0, err
	}
	return h.NVectors, nil
}

// Search sends a query vector and returns the top-k hits.
func (c *Client) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	body, err := json.Marshal(searchRequest{Vector: vec, K: k})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vecsrv: search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("vecsrv: search: %s: %s", resp.Status, msg)
	}
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, err
	}
	return sr.Results, nil
}
