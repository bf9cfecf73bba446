package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/munin/internal/store"
)

// WatchOptions tune the watcher loop.
type WatchOptions struct {
	// Debounce is the coalescing window for filesystem events (default
	// 100 ms).
	Debounce time.Duration
	// AutoCalibrateThreshold is the touched/total fraction at or above which
	// Calibrate is invoked after a flush (default 0.05; <= 0 disables).
	AutoCalibrateThreshold float64
	// ModelID returns the current embedding model, deciding which stored
	// embeddings count as fresh when deriving pending jobs after a flush.
	// It is a func so a SIGHUP provider swap takes effect mid-run.
	ModelID func() string
	// Enqueue receives pending embedding jobs after each flush. May be nil.
	Enqueue func(jobs []EmbedJob)
	// Calibrate runs a calibration pass. May be nil.
	Calibrate func(ctx context.Context) error
	// StatusPath, when set, receives a one-line status on persistent
	// index-write errors.
	StatusPath string
}

const maxBackoff = 30 * time.Second

// Watch subscribes to filesystem events under nodesRoot and coalesces
// them into per-slug reindex jobs. It blocks until ctx is cancelled; the
// final dirty set is flushed before returning. Watch must only run in the
// process holding the writer lock.
func Watch(ctx context.Context, db *DB, st *store.Store, nodesRoot string, logger *slog.Logger, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, nodesRoot); err != nil {
		return err
	}
	logger.Info("watcher: started", slog.String("root", nodesRoot))

	dirty := make(map[string]struct{})
	backoff := opts.Debounce
	var flushTimer *time.Timer
	var flushCh <-chan time.Time

	schedule := func(d time.Duration) {
		if flushTimer == nil {
			flushTimer = time.NewTimer(d)
			flushCh = flushTimer.C
		} else {
			flushTimer.Reset(d)
		}
	}

	flush := func() {
		failed := make(map[string]struct{})
		var touched int
		for slug := range dirty {
			changed, err := ReindexNode(db, st, slug)
			if err != nil {
				logger.Warn("watcher: reindex failed",
					slog.String("slug", slug), slog.String("error", err.Error()))
				failed[slug] = struct{}{}
				continue
			}
			touched += changed
			logger.Debug("watcher: reindexed",
				slog.String("slug", slug), slog.Int("changed", changed))
		}
		dirty = failed

		if len(failed) > 0 {
			backoff = min(backoff*2, maxBackoff)
			writeStatus(opts.StatusPath, fmt.Sprintf("index write failing for %d node(s), retrying in %s", len(failed), backoff))
			schedule(backoff)
			return
		}
		backoff = opts.Debounce
		writeStatus(opts.StatusPath, "ok")

		if opts.Enqueue != nil && opts.ModelID != nil && touched > 0 {
			if jobs, err := db.PendingEmbeddings(opts.ModelID()); err == nil && len(jobs) > 0 {
				opts.Enqueue(jobs)
			}
		}
		if opts.Calibrate != nil && opts.AutoCalibrateThreshold > 0 {
			if frac, err := db.TouchedFraction(); err == nil && frac >= opts.AutoCalibrateThreshold {
				if err := opts.Calibrate(ctx); err != nil {
					logger.Warn("watcher: auto-calibrate failed", slog.String("error", err.Error()))
				} else {
					logger.Info("watcher: auto-calibrated", slog.Float64("touched_fraction", frac))
				}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			if flushTimer != nil {
				flushTimer.Stop()
			}
			// Shutdown drains the dirty set; the in-progress pass is not
			// cancellable.
			if len(dirty) > 0 {
				flush()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-flushCh:
			flush()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			// New node directories join the watch list.
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := w.Add(ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name), slog.String("error", addErr.Error()))
					}
					continue
				}
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			slug := slugFromPath(nodesRoot, ev.Name)
			if slug == "" {
				continue
			}
			dirty[slug] = struct{}{}
			schedule(opts.Debounce)

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// slugFromPath extracts the node slug from a path under nodesRoot.
func slugFromPath(nodesRoot, path string) string {
	rel, err := filepath.Rel(nodesRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func writeStatus(path, msg string) {
	if path == "" {
		return
	}
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), msg)
	_ = os.WriteFile(path, []byte(line), 0o644)
}
