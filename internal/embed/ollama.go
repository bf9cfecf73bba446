package embed

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"
)

// ollamaProvider is the local on-device backend, talking to an Ollama
// daemon on localhost. No API key required.
type ollamaProvider struct {
	model  string
	dim    int
	base   string
	client *http.Client
}

var ollamaDims = map[string]int{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
}

func newOllama(model string) *ollamaProvider {
	base := os.Getenv("OLLAMA_HOST")
	if base == "" {
		base = "http://127.0.0.1:11434"
	}
	dim := ollamaDims[model]
	if dim == 0 {
		dim = 768
	}
	return &ollamaProvider{
		model:  model,
		dim:    dim,
		base:   base,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *ollamaProvider) Dim() int        { return p.dim }
func (p *ollamaProvider) ModelID() string { return "ollama:" + p.model }

func (p *ollamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := withRetry(ctx, func() error {
		body := map[string]any{"model": p.model, "input": texts}
		return postJSON(ctx, p.client, p.base+"/api/embed", nil, body, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: ollama returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}
