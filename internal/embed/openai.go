package embed

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/starford/munin/internal/apperr"
)

var openAIDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// openAIProvider calls the OpenAI embeddings REST API.
type openAIProvider struct {
	model  string
	dim    int
	apiKey string
	client *http.Client
}

func newOpenAI(model string) (*openAIProvider, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY is not set", apperr.ErrProviderHard)
	}
	dim := openAIDims[model]
	if dim == 0 {
		dim = 1536
	}
	return &openAIProvider{
		model:  model,
		dim:    dim,
		apiKey: key,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *openAIProvider) Dim() int        { return p.dim }
func (p *openAIProvider) ModelID() string { return "openai:" + p.model }

func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	err := withRetry(ctx, func() error {
		body := map[string]any{"model": p.model, "input": texts}
		return postJSON(ctx, p.client, "https://api.openai.com/v1/embeddings", headers, body, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embed: openai returned %d vectors for %d texts", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}
