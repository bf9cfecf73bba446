package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/starford/munin/internal/embed"
	"github.com/starford/munin/internal/filesource"
	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/store"
	"github.com/starford/munin/internal/vecsrv"
	pkgconfig "github.com/starford/munin/pkg/config"
)

// Run starts the writer process: it holds the exclusive writer lock,
// projects record files into the derived store, and keeps the embedding
// pipeline fed. It blocks until ctx is cancelled or SIGTERM arrives.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("root", cfg.Graph.Root),
		slog.String("db_path", cfg.Graph.DBPath()),
		slog.String("embeddings_model", cfg.Embeddings.Model),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := os.MkdirAll(cfg.Graph.NodesDir(), 0o755); err != nil {
		return fmt.Errorf("create nodes dir: %w", err)
	}

	// One writer process per derived store, enforced by flock.
	release, err := index.AcquireWriterLock(cfg.Graph.IndexDir())
	if err != nil {
		return err
	}
	defer release()

	st, err := store.New(cfg.Graph.NodesDir(), logger)
	if err != nil {
		return fmt.Errorf("init record store: %w", err)
	}

	db, err := index.Open(cfg.Graph.DBPath())
	if err != nil {
		return fmt.Errorf("init derived store: %w", err)
	}
	defer db.Close()

	if db.Rebuilt {
		logger.Info("derived store schema changed, rebuilding from records")
		if _, err := index.ReindexAll(db, st); err != nil {
			return fmt.Errorf("rebuild derived store: %w", err)
		}
	}

	// Project configured file sources into synthetic nodes, then bring
	// every node up to date.
	syncSources(st, cfg, logger)
	if slugs, err := st.Slugs(); err == nil {
		for _, slug := range slugs {
			if _, err := index.ReindexNode(db, st, slug); err != nil {
				logger.Warn("initial reindex failed",
					slog.String("slug", slug), slog.String("error", err.Error()))
			}
		}
	}

	// Embedding pipeline: provider failures leave the store keyword-only.
	cache, cacheErr := embed.NewCache(embed.DefaultCacheDir())
	if cacheErr != nil {
		logger.Warn("embedding cache unavailable", slog.String("error", cacheErr.Error()))
	}
	provider := buildProvider(cfg, cache, logger)

	queue := embed.NewQueue(provider, func(bulletID string, vec []float32, hash, model string) error {
		return db.StoreEmbedding(bulletID, vec, hash, model)
	}, 256, logger)

	currentModelID := func() string {
		if p := queue.Provider(); p != nil {
			return p.ModelID()
		}
		return ""
	}

	vecClient := vecsrv.NewClient(cfg.Server.VectorPort)

	calibrate := func(cctx context.Context) error {
		var sampler index.VectorSampler
		if p := queue.Provider(); p != nil {
			sampler = func(sctx context.Context, text string, k int) ([]float64, error) {
				vecs, err := p.Embed(sctx, []string{text})
				if err != nil {
					return nil, err
				}
				hits, err := vecClient.Search(sctx, vecs[0], k)
				if err != nil {
					return nil, err
				}
				scores := make([]float64, len(hits))
				for i, h := range hits {
					scores[i] = h.Score
				}
				return scores, nil
			}
		}
		_, err := index.Calibrate(cctx, db, sampler, index.DefaultSampleSize)
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		queue.Run(gCtx)
		return nil
	})

	g.Go(func() error {
		return index.Watch(gCtx, db, st, cfg.Graph.NodesDir(), logger, index.WatchOptions{
			AutoCalibrateThreshold: cfg.Search.AutoCalibrateThreshold,
			ModelID:                currentModelID,
			Enqueue: func(jobs []index.EmbedJob) {
				queue.Enqueue(gCtx, jobs)
			},
			Calibrate:  calibrate,
			StatusPath: cfg.Graph.StatusPath(),
		})
	})

	// Seed the queue with whatever is already pending.
	if jobs, err := db.PendingEmbeddings(currentModelID()); err == nil && len(jobs) > 0 {
		go queue.Enqueue(gCtx, jobs)
	}

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(quit)
		for {
			select {
			case sig := <-quit:
				if sig == syscall.SIGHUP {
					// Reload configuration in place: refresh the embedding
					// provider, keep the derived store open.
					reloadProvider(app, cache, queue, logger)
					continue
				}
				logger.Info("received shutdown signal", slog.String("signal", sig.String()))
				return context.Canceled
			case <-gCtx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("writer error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("writer stopped")
	return nil
}

func buildProvider(cfg *Config, cache *embed.Cache, logger *slog.Logger) embed.Provider {
	if cfg.Embeddings.Model == "" {
		return nil
	}
	p, err := embed.New(cfg.Embeddings.Model)
	if err != nil {
		logger.Warn("embedding provider unavailable, vector channel disabled",
			slog.String("model", cfg.Embeddings.Model), slog.String("error", err.Error()))
		return nil
	}
	return embed.WithCache(p, cache)
}

func reloadProvider(app *application, cache *embed.Cache, queue *embed.Queue, logger *slog.Logger) {
	if app.configPath == "" {
		logger.Warn("SIGHUP received but config path unknown, nothing reloaded")
		return
	}
	fresh := NewDefaultConfig()
	if err := pkgconfig.LoadOptional(app.configPath, fresh); err != nil {
		logger.Warn("config reload failed", slog.String("error", err.Error()))
		return
	}
	app.config = fresh
	queue.SetProvider(buildProvider(fresh, cache, logger))
	logger.Info("configuration reloaded", slog.String("embeddings_model", fresh.Embeddings.Model))
}

func syncSources(st *store.Store, cfg *Config, logger *slog.Logger) {
	for _, src := range cfg.Sources {
		n, err := filesource.Sync(st, filesource.Source{
			Name:    src.Name,
			Path:    src.Path,
			Include: src.Include,
			Exclude: src.Exclude,
			UseGit:  src.UseGit,
			MaxKB:   src.MaxKB,
		}, logger)
		if err != nil {
			logger.Warn("source sync failed",
				slog.String("source", src.Name), slog.String("error", err.Error()))
			continue
		}
		logger.Info("source synced", slog.String("source", src.Name), slog.Int("files", n))
	}
}
