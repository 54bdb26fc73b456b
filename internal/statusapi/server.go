// Package statusapi serves the probe, metrics, status and reset endpoints.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/uplinkd/internal/coordinator"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

const resetTimeout = 30 * time.Second

type Backend interface {
	Ready() bool
	Status() coordinator.Status
	Reset(ctx context.Context, name string) error
}

type Server struct {
	backend Backend
	metrics http.Handler
	log     zerolog.Logger
}

// New builds the server. metrics may be nil, /metrics is not served then.
func New(backend Backend, metrics http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		backend: backend,
		metrics: metrics,
		log:     logger.With().Str("component", "statusapi").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if !s.backend.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /reset", s.handleReset)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start listens on addr in the background and returns the close func.
func (s *Server) Start(addr string) func() {
	srv := http.Server{
		Handler:           s.Handler(),
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()
	return func() {
		_ = srv.Close()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.backend.Status()); err != nil {
		s.log.Error().Err(err).Msg("failed to encode status")
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	name := r.URL.Query().Get("iface")
	if name == "" {
		http.Error(w, "iface is required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), resetTimeout)
	defer cancel()

	err := s.backend.Reset(ctx, name)
	var violation *netrole.InvariantViolation
	switch {
	case err == nil:
		s.log.Info().Str("interface", name).Msg("access point reset requested")
		w.WriteHeader(http.StatusNoContent)
	case errors.As(err, &violation):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		s.log.Error().Err(err).Str("interface", name).Msg("access point reset failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
