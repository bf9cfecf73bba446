// Package embed computes dense vectors for bullet text via one of several
// providers, with a content-addressed disk cache shared across projects.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/starford/munin/internal/apperr"
)

// Provider is the shared capability set of all embedding backends.
type Provider interface {
	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dim is the vector dimensionality of the model.
	Dim() int
	// ModelID identifies the provider-qualified model; it keys the cache
	// and the stored embedding rows.
	ModelID() string
}

// New dispatches on the model-string prefix: "ollama:" (local on-device),
// "gemini:", or "openai:". A bare model name is treated as ollama.
func New(model string) (Provider, error) {
	switch {
	case strings.HasPrefix(model, "ollama:"):
		return newOllama(strings.TrimPrefix(model, "ollama:")), nil
	case strings.HasPrefix(model, "gemini:"):
		return newGemini(strings.TrimPrefix(model, "gemini:"))
	case strings.HasPrefix(model, "openai:"):
		return newOpenAI(strings.TrimPrefix(model, "openai:"))
	case strings.Contains(model, ":") && !strings.Contains(model, "/"):
		return nil, fmt.Errorf("embed: unknown provider prefix in %q: %w", model, apperr.ErrInput)
	default:
		return newOllama(model), nil
	}
}

const retryAttempts = 3

// withRetry runs fn up to three times with jittered exponential backoff.
// Hard provider failures (bad key, unknown model) abort immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, apperr.ErrProviderHard) {
			return err
		}
		if attempt == retryAttempts-1 {
			break
		}
		delay := time.Duration(1<<attempt)*250*time.Millisecond +
			time.Duration(rand.Int63n(int64(100*time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %v", apperr.ErrProviderTransient, err)
}

// postJSON issues a JSON POST and decodes the response into out,
// classifying HTTP failures into hard vs transient provider errors.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("embed: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := apperr.ErrProviderTransient
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			kind = apperr.ErrProviderHard
		}
		return fmt.Errorf("%w: %s: %s", kind, resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", apperr.ErrProviderTransient, err)
	}
	return nil
}
