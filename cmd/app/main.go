package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/munin/internal"
	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/embed"
	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/mcpserver"
	"github.com/starford/munin/internal/models"
	"github.com/starford/munin/internal/rank"
	"github.com/starford/munin/internal/store"
	"github.com/starford/munin/internal/vecsrv"
	pkgconfig "github.com/starford/munin/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, string, error) {
	path := cmd.String("config")
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(path, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, path, nil
}

func openStore(cfg *internal.Config) (*store.Store, error) {
	return store.New(cfg.Graph.NodesDir(), slog.Default())
}

func openDB(cfg *internal.Config) (*index.DB, error) {
	db, err := index.Open(cfg.Graph.DBPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrIndexUnavailable, err)
	}
	return db, nil
}

// buildRanker wires the reader-side retrieval pipeline from config.
func buildRanker(cfg *internal.Config, db *index.DB) *rank.Ranker {
	r := &rank.Ranker{
		DB: db,
		Weights: rank.Weights{
			FTS:            cfg.Search.FTSWeight,
			Vector:         cfg.Search.VectorWeight,
			DualMatchBonus: cfg.Search.DualMatchBonus,
		},
		BudgetThreshold: cfg.Review.BudgetThreshold,
		Sessions:        rank.NewSessionStore(0),
	}
	if cfg.Search.VectorWeight > 0 {
		if p, err := embed.New(cfg.Embeddings.Model); err == nil {
			if cache, err := embed.NewCache(embed.DefaultCacheDir()); err == nil {
				r.Embedder = embed.WithCache(p, cache)
			} else {
				r.Embedder = p
			}
			r.Vector = vecsrv.NewClient(cfg.Server.VectorPort)
		}
	}
	if cfg.Search.UseReranker {
		r.Reranker = rank.NewReranker(cfg.Search.RerankerURL, cfg.Search.RerankerModel)
	}
	return r
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.Run(ctx, internal.WithConfig(cfg), internal.WithConfigPath(path))
}

func vectorServeAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := index.OpenReadOnly(cfg.Graph.DBPath())
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrIndexUnavailable, err)
	}
	defer db.Close()
	return vecsrv.NewServer(db, slog.Default()).Run(ctx, cfg.Server.VectorAddress())
}

func mcpAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return mcpserver.New(st, db, buildRanker(cfg, db)).ServeStdio()
}

func addAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	args := cmd.Args()
	if args.Len() < 2 {
		return fmt.Errorf("usage: munin add <slug> <text>: %w", apperr.ErrInput)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	id, err := st.Add(args.Get(0), args.Get(1), models.Kind(cmd.String("kind")))
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func searchAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Args().Len() < 1 {
		return fmt.Errorf("usage: munin search <query>: %w", apperr.ErrInput)
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	hits, status, err := buildRanker(cfg, db).Search(ctx, cmd.Args().Get(0), int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	for _, h := range hits {
		fmt.Printf("%.3f  [%s]  %s  ←%s\n", h.Score, h.Slug, h.Text, h.BulletID)
	}
	for _, note := range status.Notes {
		fmt.Fprintln(os.Stderr, "note:", note)
	}
	return nil
}

func contextAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Args().Len() < 1 {
		return fmt.Errorf("usage: munin context <query>: %w", apperr.ErrInput)
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	res, err := buildRanker(cfg, db).Context(ctx, rank.ContextOptions{
		Query:      cmd.Args().Get(0),
		SessionID:  cmd.String("session"),
		CharBudget: int(cmd.Int("tokens")) * 4,
	})
	if err != nil {
		return err
	}
	fmt.Println(res.Block)
	if res.Status.Partial {
		fmt.Fprintln(os.Stderr, "partial:", res.Status.Notes)
	}
	return nil
}

func showAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Args().Len() < 1 {
		return fmt.Errorf("usage: munin show <slug>: %w", apperr.ErrInput)
	}
	slug := cmd.Args().Get(0)
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	node, err := st.Load(slug)
	if err != nil {
		return err
	}
	fmt.Printf("[%s] %s\n", node.Slug, node.Title())
	for _, b := range node.Live() {
		fmt.Printf("- (%s) %s ←%s\n", b.Kind, b.Text, b.ID)
	}
	return nil
}

func reviewAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if slug := cmd.String("mark"); slug != "" {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		if err := st.MarkReviewed(slug); err != nil {
			return err
		}
		if err := db.ResetBudget(slug); err != nil {
			return err
		}
		fmt.Println("reviewed:", slug)
		return nil
	}

	entries, err := db.ReviewList(cfg.Review.BudgetThreshold)
	if err != nil {
		return err
	}
	for _, e := range entries {
		flag := " "
		if e.Flagged {
			flag = "⚠"
		}
		fmt.Printf("%s %-30s served=%.0f bullets=%d\n", flag, e.Slug, e.ServedChars, e.LiveBullets)
	}
	return nil
}

func reindexAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Rebuilding writes the derived store; it needs the writer lock.
	release, err := index.AcquireWriterLock(cfg.Graph.IndexDir())
	if err != nil {
		return err
	}
	defer release()
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	n, err := index.ReindexAll(db, st)
	if err != nil {
		return err
	}
	fmt.Printf("reindexed %d node(s)\n", n)
	return nil
}

func calibrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Calibration writes the derived store; it needs the writer lock.
	release, err := index.AcquireWriterLock(cfg.Graph.IndexDir())
	if err != nil {
		return err
	}
	defer release()
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var sampler index.VectorSampler
	if p, perr := embed.New(cfg.Embeddings.Model); perr == nil {
		client := vecsrv.NewClient(cfg.Server.VectorPort)
		sampler = func(sctx context.Context, text string, k int) ([]float64, error) {
			vecs, err := p.Embed(sctx, []string{text})
			if err != nil {
				return nil, err
			}
			hits, err := client.Search(sctx, vecs[0], k)
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
	res, err := index.Calibrate(ctx, db, sampler, index.DefaultSampleSize)
	if err != nil {
		return err
	}
	fmt.Printf("sampled %d node(s); fts: %d scores (calibrated=%v), vector: %d scores (calibrated=%v)\n",
		res.SampledNodes, res.FTSScores, res.FTSCalibrated, res.VectorScores, res.VecCalibrated)
	return nil
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := index.OpenReadOnly(cfg.Graph.DBPath())
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrIndexUnavailable, err)
	}
	defer db.Close()

	frac, _ := db.TouchedFraction()
	fmt.Printf("touched since calibration: %.1f%%\n", frac*100)
	if data, err := os.ReadFile(cfg.Graph.StatusPath()); err == nil {
		fmt.Printf("watcher: %s", data)
	} else {
		fmt.Println("watcher: no status file (not running?)")
	}
	if n, err := vecsrv.NewClient(cfg.Server.VectorPort).Health(ctx); err == nil {
		fmt.Printf("vector server: ok (%d vectors)\n", n)
	} else {
		fmt.Println("vector server: unreachable")
	}
	entries, err := db.ReviewList(cfg.Review.BudgetThreshold)
	if err == nil {
		flagged := 0
		for _, e := range entries {
			if e.Flagged {
				flagged++
			}
		}
		fmt.Printf("nodes: %d (%d flagged for review)\n", len(entries), flagged)
	}
	return nil
}

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config file",
		Value:   "munin.yaml",
		Sources: cli.EnvVars("MUNIN_CONFIG_FILE"),
	}

	cmd := &cli.Command{
		Name:  "munin",
		Usage: "Local-first knowledge graph with hybrid keyword+vector retrieval",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{Name: "serve", Usage: "Run the writer process (watcher + indexer + embedder)", Action: serveAction},
			{Name: "vector-serve", Usage: "Run the vector server", Action: vectorServeAction},
			{Name: "mcp", Usage: "Serve the MCP tool protocol on stdio", Action: mcpAction},
			{
				Name: "add", Usage: "Append a bullet: munin add <slug> <text>", Action: addAction,
				Flags: []cli.Flag{&cli.StringFlag{Name: "kind", Value: "fact", Usage: "Bullet kind"}},
			},
			{
				Name: "search", Usage: "Hybrid search: munin search <query>", Action: searchAction,
				Flags: []cli.Flag{&cli.IntFlag{Name: "limit", Value: 20}},
			},
			{
				Name: "context", Usage: "Build a context block: munin context <query>", Action: contextAction,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Usage: "Session ID for dedup/boost"},
					&cli.IntFlag{Name: "tokens", Value: 1000, Usage: "Token budget for the block"},
				},
			},
			{Name: "show", Usage: "Show a node: munin show <slug>", Action: showAction},
			{
				Name: "review", Usage: "List nodes by review pressure", Action: reviewAction,
				Flags: []cli.Flag{&cli.StringFlag{Name: "mark", Usage: "Mark this slug reviewed"}},
			},
			{Name: "reindex", Usage: "Drop and rebuild the derived store from records", Action: reindexAction},
			{Name: "calibrate", Usage: "Recompute score quantile breakpoints", Action: calibrateAction},
			{Name: "status", Usage: "Show index, watcher, and review status", Action: statusAction},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cmd.Run(ctx, os.Args); err != nil {
		code := apperr.ExitCode(err)
		if errors.Is(err, apperr.ErrWriterConflict) {
			fmt.Fprintln(os.Stderr, "munin: another writer is already running")
		} else {
			fmt.Fprintln(os.Stderr, "munin:", err)
		}
		os.Exit(code)
	}
}
