package embed

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/starford/munin/internal/apperr"
)

const geminiDim = 768

// geminiProvider calls the Google generative-language embedding REST API.
type geminiProvider struct {
	model  string
	apiKey string
	client *http.Client
}

func newGemini(model string) (*geminiProvider, error) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		key = os.Getenv("GOOGLE_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY is not set", apperr.ErrProviderHard)
	}
	return &geminiProvider{
		model:  model,
		apiKey: key,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *geminiProvider) Dim() int        { return geminiDim }
func (p *geminiProvider) ModelID() string { return "gemini:" + p.model }

func (p *geminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	type part struct {
		Text string `json:"text"`
	}
	type content struct {
		Parts []part `json:"parts"`
	}
	type request struct {
		Model                string  `json:"model"`
		Content              content `json:"content"`
		OutputDimensionality int     `json:"outputDimensionality"`
	}
	reqs := make([]request, len(texts))
	for i, t := range texts {
		reqs[i] = request{
			Model:                "models/" + p.model,
			Content:              content{Parts: []part{{Text: t}}},
			OutputDimensionality: geminiDim,
		}
	}

	var resp struct {
		Embeddings []struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	}
	url := fmt.Sprintf(
		"https://generativelanguage.googleapis.com/v1beta/models/%s:batchEmbedContents?key=%s",
		p.model, p.apiKey)
	err := withRetry(ctx, func() error {
		return postJSON(ctx, p.client, url, nil, map[string]any{"requests": reqs}, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: gemini returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}
