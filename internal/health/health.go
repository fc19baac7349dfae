// Package health serves the pipeline's HTTP surface: liveness, readiness,
// and a status snapshot combining state-store counters with queue depths
// and degraded flags.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/graph"
	"github.com/trellislabs/trellis/internal/storage"
)

// statusQueues are the queues surfaced by /status, in display order.
var statusQueues = []string{
	bus.QueuePathDiscovery,
	bus.QueueFileAnalysis,
	bus.QueueDirectoryAggregation,
	bus.QueueDirectoryResolution,
	bus.QueueGlobalResolution,
	bus.QueueRelationshipResolution,
	bus.QueueAnalysisFindings,
	bus.QueueReconciliation,
	bus.QueueGraphIngestion,
	bus.QueueFailedJobs,
}

// QueueStatus is one queue's row in the status snapshot.
type QueueStatus struct {
	Depth    int64 `json:"depth"`
	Degraded bool  `json:"degraded"`
}

// Snapshot is the /status response body.
type Snapshot struct {
	Stats  *storage.Stats         `json:"stats"`
	Queues map[string]QueueStatus `json:"queues"`
}

// Server hosts the health endpoints. The graph store is optional: processes
// that never touch the graph pass nil and readiness skips it.
type Server struct {
	store storage.Store
	bus   *bus.Bus
	graph graph.Store
	log   *zap.Logger
	addr  string
}

// New builds the health server.
func New(store storage.Store, b *bus.Bus, g graph.Store, log *zap.Logger, addr string) *Server {
	return &Server{store: store, bus: b, graph: g, log: log.Named("health"), addr: addr}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/status", s.handleStatus)
	return r
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("health listener up", zap.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports 200 only when every backing store answers.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if _, err := s.store.GetStatistics(ctx); err != nil {
		checks["state_store"] = err.Error()
		ready = false
	} else {
		checks["state_store"] = "ok"
	}
	if err := s.bus.Ping(ctx); err != nil {
		checks["bus"] = err.Error()
		ready = false
	} else {
		checks["bus"] = "ok"
	}
	if s.graph != nil {
		if err := s.graph.Ping(ctx); err != nil {
			checks["graph"] = err.Error()
			ready = false
		} else {
			checks["graph"] = "ok"
		}
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, checks)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	snapshot, err := s.Collect(ctx)
	if err != nil {
		s.log.Warn("status snapshot failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Collect assembles the status snapshot. The status CLI command reuses it.
func (s *Server) Collect(ctx context.Context) (*Snapshot, error) {
	stats, err := s.store.GetStatistics(ctx)
	if err != nil {
		return nil, err
	}
	queues := make(map[string]QueueStatus, len(statusQueues))
	for _, queue := range statusQueues {
		depth, err := s.bus.Depth(ctx, queue)
		if err != nil {
			return nil, err
		}
		degraded, err := s.bus.IsDegraded(ctx, queue)
		if err != nil {
			return nil, err
		}
		queues[queue] = QueueStatus{Depth: depth, Degraded: degraded}
	}
	return &Snapshot{Stats: stats, Queues: queues}, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
