// Package vecsrv is the vector server: an in-memory ANN index over the
// embeddings table, queried by cosine similarity through a small HTTP
// protocol. It runs as its own process; any crash is recovered by a
// restart that reloads from the derived store.
package vecsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hupe1980/vecgo"

	"github.com/starford/munin/internal/index"
)

const pollInterval = 2 * time.Second

// Server owns the ANN index and serves the query protocol.
type Server struct {
	db     *index.DB
	logger *slog.Logger

	mu      sync.RWMutex
	vg      *vecgo.Vecgo[string]
	dim     int
	byID    map[string]uint64 // bullet ID → ANN id, for incremental updates
	lastRev int64
}

// NewServer builds a server over a read-only derived store handle.
func NewServer(db *index.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{db: db, logger: logger, byID: make(map[string]uint64)}
}

// Load pulls every stored embedding into a fresh HNSW index.
func (s *Server) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vg, s.dim, s.lastRev = nil, 0, 0
	s.byID = make(map[string]uint64)
	return s.refreshLocked(ctx)
}

// refreshLocked applies rows newer than lastRev. Callers hold s.mu.
func (s *Server) refreshLocked(ctx context.Context) error {
	rows, err := s.db.EmbeddingsSince(s.lastRev)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if len(r.Vector) == 0 {
			continue
		}
		if s.vg == nil {
			s.dim = len(r.Vector)
			vg, err := vecgo.HNSW[string](s.dim).Cosine().Build()
			if err != nil {
				return fmt.Errorf("vecsrv: build index: %w", err)
			}
			s.vg = vg
		}
		if len(r.Vector) != s.dim {
			s.logger.Warn("vecsrv: dimension mismatch, skipping",
				slog.String("bullet_id", r.BulletID), slog.Int("dim", len(r.Vector)))
			continue
		}
		vec := normalize(r.Vector)
		item := vecgo.VectorWithData[string]{Vector: vec, Data: r.BulletID}
		if prev, ok := s.byID[r.BulletID]; ok {
			if err := s.vg.Update(ctx, prev, item); err != nil {
				s.logger.Warn("vecsrv: update failed",
					slog.String("bullet_id", r.BulletID), slog.String("error", err.Error()))
			}
		} else {
			id, err := s.vg.Insert(ctx, item)
			if err != nil {
				s.logger.Warn("vecsrv: insert failed",
					slog.String("bullet_id", r.BulletID), slog.String("error", err.Error()))
				continue
			}
			s.byID[r.BulletID] = id
		}
		if r.Rev > s.lastRev {
			s.lastRev = r.Rev
		}
	}
	return nil
}

// Size returns the number of indexed vectors.
func (s *Server) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Search returns the top-k bullet IDs with cosine similarity, best first.
func (s *Server) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.vg == nil || len(s.byID) == 0 {
		return nil, nil
	}
	if len(query) != s.dim {
		return nil, fmt.Errorf("vecsrv: query dim %d, index dim %d", len(query), s.dim)
	}
	results, err := s.vg.Search(normalize(query)).KNN(k).Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("vecsrv: search: %w", err)
	}
	out := make([]Hit, 0, len(results))
	for _, r := range results {
		// Cosine distance on normalized vectors: similarity = 1 - distance.
		out = append(out, Hit{ID: r.Data, Score: 1 - float64(r.Distance)})
	}
	return out, nil
}

// Run serves the HTTP protocol on addr and polls the embeddings table for
// revision bumps until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	s.logger.Info("vecsrv: loaded", slog.Int("vectors", s.Size()))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Post("/search", s.handleSearch)
	r.Post("/add_batch", s.handleAddBatch)

	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Shutdown(shutdownCtx)
				cancel()
				return
			case <-ticker.C:
				s.mu.Lock()
				if err := s.refreshLocked(ctx); err != nil {
					s.logger.Warn("vecsrv: refresh failed", slog.String("error", err.Error()))
				}
				s.mu.Unlock()
			}
		}
	}()

	s.logger.Info("vecsrv: listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", NVectors: s.Size()})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Vector) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "vector must be a non-empty float array"})
		return
	}
	if req.K <= 0 {
		req.K = 20
	}
	hits, err := s.Search(r.Context(), req.Vector, req.K)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: hits})
}

// handleAddBatch accepts out-of-band vector pushes (used by rebuild
// tooling; the poll loop covers the normal path).
func (s *Server) handleAddBatch(w http.ResponseWriter, r *http.Request) {
	var req addBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) != len(req.Vectors) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "ids and vectors must be equal-length lists"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i, id := range req.IDs {
		vec := req.Vectors[i]
		if len(vec) == 0 {
			continue
		}
		if s.vg == nil {
			s.dim = len(vec)
			vg, err := vecgo.HNSW[string](s.dim).Cosine().Build()
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
				return
			}
			s.vg = vg
		}
		if len(vec) != s.dim {
			continue
		}
		item := vecgo.VectorWithData[string]{Vector: normalize(vec), Data: id}
		if prev, ok := s.byID[id]; ok {
			_ = s.vg.Update(r.Context(), prev, item)
		} else if vid, err := s.vg.Insert(r.Context(), item); err == nil {
			s.byID[id] = vid
		}
		n++
	}
	writeJSON(w, http.StatusOK, addBatchResponse{OK: true, N: n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
