package embed

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/index"
)

const batchSize = 16

// StoreFunc persists one computed vector (the indexer's StoreEmbedding).
// modelID identifies the provider that produced it.
type StoreFunc func(bulletID string, vec []float32, hash, modelID string) error

// Queue feeds embedding work to a provider off the watcher's critical
// path. The channel is bounded; a full queue blocks Enqueue, applying
// backpressure to the producer. Bullets whose embedding permanently fails
// are left unembedded and simply excluded from vector search.
type Queue struct {
	provider Provider
	store    StoreFunc
	logger   *slog.Logger
	jobs     chan index.EmbedJob

	mu       sync.Mutex
	disabled bool // set on a hard provider failure, until SetProvider
}

// NewQueue builds a queue with the given channel capacity.
func NewQueue(p Provider, store StoreFunc, capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{provider: p, store: store, logger: logger, jobs: make(chan index.EmbedJob, capacity)}
}

// Enqueue submits jobs, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, jobs []index.EmbedJob) {
	for _, j := range jobs {
		select {
		case q.jobs <- j:
		case <-ctx.Done():
			return
		}
	}
}

// SetProvider swaps the provider (config reload) and re-enables the queue
// after a hard failure.
func (q *Queue) SetProvider(p Provider) {
	q.mu.Lock()
	q.provider = p
	q.disabled = false
	q.mu.Unlock()
}

// Provider returns the queue's current provider (nil when none).
func (q *Queue) Provider() Provider {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.provider
}

func (q *Queue) currentProvider() (Provider, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.provider, !q.disabled && q.provider != nil
}

// Run drains the queue until ctx is cancelled. Panics in the worker are
// caught at this boundary, logged with the offending bullet ID, and do
// not propagate.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case first := <-q.jobs:
			batch := []index.EmbedJob{first}
		drain:
			for len(batch) < batchSize {
				select {
				case j := <-q.jobs:
					batch = append(batch, j)
				default:
					break drain
				}
			}
			q.process(ctx, batch)
		}
	}
}

func (q *Queue) process(ctx context.Context, batch []index.EmbedJob) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("embed: worker panic",
				slog.String("bullet_id", batch[0].BulletID), slog.Any("panic", r))
		}
	}()

	p, ok := q.currentProvider()
	if !ok {
		return
	}
	texts := make([]string, len(batch))
	for i, j := range batch {
		texts[i] = j.Text
	}
	vecs, err := p.Embed(ctx, texts)
	if err != nil {
		if errors.Is(err, apperr.ErrProviderHard) {
			// Surfaced once; the channel stays disabled until the
			// configuration changes.
			q.mu.Lock()
			q.disabled = true
			q.mu.Unlock()
			q.logger.Error("embed: provider disabled", slog.String("error", err.Error()))
			return
		}
		q.logger.Warn("embed: batch failed, bullets left unembedded",
			slog.Int("count", len(batch)), slog.String("error", err.Error()))
		return
	}
	for i, j := range batch {
		if err := q.store(j.BulletID, vecs[i], j.Hash, p.ModelID()); err != nil {
			q.logger.Warn("embed: store failed",
				slog.String("bullet_id", j.BulletID), slog.String("error", err.Error()))
		}
	}
}
