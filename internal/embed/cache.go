package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// Cache is a content-addressed vector cache on disk. Entries are keyed by
// (model_id, sha256(text)) and stored as raw little-endian float32 bytes,
// so they survive process restarts and are shared across projects.
type Cache struct {
	dir string
}

// DefaultCacheDir returns the shared cache location under the user cache
// directory.
func DefaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "munin", "embeddings")
}

// NewCache creates (if needed) a cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{dir: dir}, nil
}

func safeModelName(model string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(model)
}

func (c *Cache) path(modelID, hash string) string {
	return filepath.Join(c.dir, safeModelName(modelID), hash[:2], hash)
}

// Get returns the cached vector for (modelID, hash), if any.
func (c *Cache) Get(modelID, hash string) ([]float32, bool) {
	blob, err := os.ReadFile(c.path(modelID, hash))
	if err != nil || len(blob)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, true
}

// Put stores a vector. Write errors are swallowed: the cache is advisory.
func (c *Cache) Put(modelID, hash string, vec []float32) {
	path := c.path(modelID, hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	blob := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// TextHash is the cache key component derived from the text itself.
func TextHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// cachedProvider wraps a Provider with the disk cache.
type cachedProvider struct {
	inner Provider
	cache *Cache
}

// WithCache returns p wrapped with cache; a nil cache returns p unchanged.
func WithCache(p Provider, cache *Cache) Provider {
	if cache == nil {
		return p
	}
	return &cachedProvider{inner: p, cache: cache}
}

func (c *cachedProvider) Dim() int        { return c.inner.Dim() }
func (c *cachedProvider) ModelID() string { return c.inner.ModelID() }

func (c *cachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	model := c.inner.ModelID()
	for i, t := range texts {
		if vec, ok := c.cache.Get(model, TextHash(t)); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = fresh[j]
		c.cache.Put(model, TextHash(missTexts[j]), fresh[j])
	}
	return out, nil
}
