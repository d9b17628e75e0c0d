// Package httpserver exposes the agent's read-only HTTP surface: the
// /scores endpoint the scheduler extender polls, a liveness endpoint, and
// the Prometheus scrape endpoint. It mirrors the teacher's
// pkg/api.HealthServer bootstrap (ServeMux plus an http.Server with fixed
// timeouts), generalized from a cluster-health payload to the score
// snapshot this system serves instead.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/loadaware/pkg/log"
	"github.com/cuemby/loadaware/pkg/metrics"
	"github.com/cuemby/loadaware/pkg/reducer"
	"github.com/rs/zerolog"
)

// ScoresProvider supplies the current score snapshot. *reducer.Reducer
// implements it.
type ScoresProvider interface {
	ScoresSnapshot() []reducer.ScoredNode
}

// Server serves /scores, /healthz, and /metrics.
type Server struct {
	scores ScoresProvider
	mux    *http.ServeMux
	logger zerolog.Logger
}

// New builds a Server reading snapshots from scores.
func New(scores ScoresProvider) *Server {
	mux := http.NewServeMux()
	s := &Server{scores: scores, mux: mux, logger: log.WithComponent("httpserver")}

	mux.HandleFunc("/scores", s.scoresHandler)
	mux.HandleFunc("/healthz", healthzHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled,
// then shuts down within a bounded grace period.
func (s *Server) Run(ctx context.Context, addr string, shutdownGrace time.Duration) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) scoresHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.scores.ScoresSnapshot())
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}
